package server

import (
	"context"
	"fmt"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
)

// maxPriority is the highest request priority a VERSION message may carry.
const maxPriority = 99

type strmHandler func(c *StreamClient, req *requestMsg) handlerResult

// strmHandlers dispatches stream requests by opcode.
var strmHandlers [proto.CommandCount]strmHandler

func init() {
	strmHandlers = [proto.CommandCount]strmHandler{
		proto.CmdVersion:          (*StreamClient).versionAction,
		proto.CmdEventAdd:         (*StreamClient).eventAddAction,
		proto.CmdEventCancel:      (*StreamClient).eventCancelAction,
		proto.CmdRead:             (*StreamClient).readAction,
		proto.CmdWrite:            (*StreamClient).writeAction,
		proto.CmdSnapshot:         (*StreamClient).unknownMessageAction,
		proto.CmdSearch:           (*StreamClient).searchAction,
		proto.CmdBuild:            (*StreamClient).unknownMessageAction,
		proto.CmdEventsOff:        (*StreamClient).eventsOffAction,
		proto.CmdEventsOn:         (*StreamClient).eventsOnAction,
		proto.CmdReadSync:         (*StreamClient).readSyncAction,
		proto.CmdError:            (*StreamClient).unknownMessageAction,
		proto.CmdClearChannel:     (*StreamClient).clearChannelAction,
		proto.CmdRsrvIsUp:         (*StreamClient).unknownMessageAction,
		proto.CmdNotFound:         (*StreamClient).unknownMessageAction,
		proto.CmdReadNotify:       (*StreamClient).readNotifyAction,
		proto.CmdReadBuild:        (*StreamClient).ignoreMsgAction,
		proto.CmdRepeaterConfirm:  (*StreamClient).unknownMessageAction,
		proto.CmdCreateChan:       (*StreamClient).claimChannelAction,
		proto.CmdWriteNotify:      (*StreamClient).writeNotifyAction,
		proto.CmdClientName:       (*StreamClient).clientNameAction,
		proto.CmdHostName:         (*StreamClient).hostNameAction,
		proto.CmdAccessRights:     (*StreamClient).unknownMessageAction,
		proto.CmdEcho:             (*StreamClient).echoAction,
		proto.CmdRepeaterRegister: (*StreamClient).unknownMessageAction,
		proto.CmdSignal:           (*StreamClient).unknownMessageAction,
		proto.CmdCreateChFail:     (*StreamClient).unknownMessageAction,
		proto.CmdServerDisconn:    (*StreamClient).unknownMessageAction,
	}
}

func (c *StreamClient) unknownMessageAction(req *requestMsg) handlerResult {
	c.logger.Warn("invalid request code", "cmd", req.hdr.Command.String())
	c.sendErr(req.hdr, proto.InvalidResourceID, proto.ECAInternal, "Invalid Request Code")

	return resultDisconnect
}

func (c *StreamClient) ignoreMsgAction(*requestMsg) handlerResult {
	return resultOK
}

func (c *StreamClient) versionAction(req *requestMsg) handlerResult {
	minor := proto.MinorVersion(req.hdr.Count)
	if req.hdr.DataType > maxPriority || !minor.Supported() {
		c.logger.Warn("unsupported client version", "minor", req.hdr.Count, "priority", req.hdr.DataType)
		return resultDisconnect
	}

	c.minor = minor
	c.priority = req.hdr.DataType

	return resultOK
}

func (c *StreamClient) echoAction(req *requestMsg) handlerResult {
	hdr := req.hdr
	payload, err := c.copyInHeader(proto.CmdEcho, hdr.PayloadSize, hdr.DataType, hdr.Count, hdr.CID, hdr.Available)
	if err != nil {
		return resultFromAllocErr(err)
	}
	copy(payload, req.payload)
	c.out.CommitMsg()

	return resultOK
}

func (c *StreamClient) eventsOffAction(*requestMsg) handlerResult {
	if c.eq.setFlowOff(true) {
		c.logger.Debug("events off")
	}

	return resultOK
}

func (c *StreamClient) eventsOnAction(*requestMsg) handlerResult {
	if c.eq.setFlowOff(false) {
		c.logger.Debug("events on")
	}

	return resultOK
}

func (c *StreamClient) clientNameAction(req *requestMsg) handlerResult {
	name := nulString(req.payload)
	if len(c.channels) > 0 {
		return c.sendErr(req.hdr, proto.InvalidResourceID, proto.ECAUnavailInServ, name)
	}
	c.userName = name
	c.logger.Debug("client user name", "user", name)

	return resultOK
}

func (c *StreamClient) hostNameAction(req *requestMsg) handlerResult {
	name := nulString(req.payload)
	if len(c.channels) > 0 {
		return c.sendErr(req.hdr, proto.InvalidResourceID, proto.ECAUnavailInServ, name)
	}
	c.hostName = name
	c.logger.Debug("client host name", "host", name)

	return resultOK
}

// verifyRequest resolves the channel of a value request and checks type and count.
// allowDyn accepts a zero count meaning the current element count.
func (c *StreamClient) verifyRequest(req *requestMsg, allowDyn bool) (*channel, proto.ECA) {
	ch, ok := c.srv.resources.lookupChannel(req.hdr.CID, c)
	if !ok {
		return nil, proto.ECABadChID
	}
	if !proto.DBRType(req.hdr.DataType).Valid() {
		return ch, proto.ECABadType
	}
	if req.hdr.Count > ch.maxElem() || (!allowDyn && req.hdr.Count == 0) {
		return ch, proto.ECABadCount
	}

	return ch, proto.ECANormal
}

func cidOf(ch *channel) uint32 {
	if ch == nil {
		return proto.InvalidResourceID
	}

	return ch.cid
}

// setPending records the outcome of a tool call whose response could not be sent, so
// the retried request answers without calling the tool again.
func (c *StreamClient) setPending(res handlerResult, st cas.Status, v *cas.Value) handlerResult {
	if res == resultSendBlocked {
		c.responseIsPending = true
		c.pendingStatus = st
		c.pendingValue = v
	}

	return res
}

// readPV calls the PV read for req.
func (c *StreamClient) readPV(kind asyncKind, req *requestMsg, ch *channel) (*cas.Value, cas.Status) {
	rc := c.newToolCtx(kind, req.hdr, ch, &ch.pvh.io, ch.name())
	v, st := ch.pvh.read(rc, cas.ReadRequest{Type: proto.DBRType(req.hdr.DataType), Count: req.hdr.Count})
	aio := rc.end()

	st = c.reconcileAsync(kind.String(), aio, st)
	if aio != nil {
		ch.addIO(aio)
		return nil, st
	}
	if st == cas.StatusPostponeAsyncIO && !c.postpone(&ch.pvh.io) {
		st = cas.StatusInternal
	}

	return v, st
}

// writePV calls the PV write for req.
func (c *StreamClient) writePV(kind asyncKind, req *requestMsg, ch *channel, notify bool) cas.Status {
	t := proto.DBRType(req.hdr.DataType)
	if !t.IsPlain() {
		return cas.StatusBadType
	}

	data := req.payload
	if size := t.SizeN(req.hdr.Count); uint32(len(data)) > size { //nolint: gosec
		data = data[:size]
	}
	v := cas.NewValue(t, req.hdr.Count, data)

	rc := c.newToolCtx(kind, req.hdr, ch, &ch.pvh.io, ch.name())
	st := ch.pvh.write(rc, v, notify)
	aio := rc.end()

	st = c.reconcileAsync(kind.String(), aio, st)
	if aio != nil {
		ch.addIO(aio)
		return st
	}
	if st == cas.StatusPostponeAsyncIO && !c.postpone(&ch.pvh.io) {
		st = cas.StatusInternal
	}

	return st
}

func (c *StreamClient) readAction(req *requestMsg) handlerResult {
	ch, eca := c.verifyRequest(req, c.minor.V413())
	if eca != proto.ECANormal {
		return c.sendErr(req.hdr, cidOf(ch), eca, "get request")
	}

	if c.responseIsPending {
		if c.pendingStatus.OK() {
			return c.readResponse(req.hdr, ch, c.pendingValue, cas.StatusSuccess)
		}

		return c.sendErrWithStatus(req.hdr, ch.cid, c.pendingStatus, proto.ECAGetFail)
	}

	if !ch.readAccess() {
		eca := proto.ECAGetFail
		if c.minor.V41() {
			eca = proto.ECANoRdAccess
		}

		return c.sendErr(req.hdr, ch.cid, eca, "read access denied")
	}

	v, st := c.readPV(asyncRead, req, ch)
	switch st {
	case cas.StatusSuccess:
		return c.setPending(c.readResponse(req.hdr, ch, v, st), st, v)
	case cas.StatusAsyncCompletion:
		return resultOK
	case cas.StatusPostponeAsyncIO:
		return resultPostpone
	default:
		return c.setPending(c.sendErrWithStatus(req.hdr, ch.cid, st, proto.ECAGetFail), st, nil)
	}
}

func (c *StreamClient) readNotifyAction(req *requestMsg) handlerResult {
	ch, eca := c.verifyRequest(req, c.minor.V413())
	if eca != proto.ECANormal {
		return c.valueFailureResponse(req.hdr.Command, req.hdr, eca)
	}

	if c.responseIsPending {
		if c.pendingStatus.OK() {
			return c.readNotifyResponse(req.hdr, ch, c.pendingValue, cas.StatusSuccess)
		}

		return c.valueFailureResponse(req.hdr.Command, req.hdr, proto.ECAGetFail)
	}

	if !ch.readAccess() {
		return c.valueFailureResponse(req.hdr.Command, req.hdr, proto.ECANoRdAccess)
	}

	v, st := c.readPV(asyncReadNotify, req, ch)
	switch st {
	case cas.StatusAsyncCompletion:
		return resultOK
	case cas.StatusPostponeAsyncIO:
		return resultPostpone
	default:
		return c.setPending(c.readNotifyResponse(req.hdr, ch, v, st), st, v)
	}
}

func (c *StreamClient) eventAddAction(req *requestMsg) handlerResult {
	hdr := req.hdr
	ch, eca := c.verifyRequest(req, c.minor.V413())
	if eca != proto.ECANormal {
		return c.sendErr(hdr, cidOf(ch), eca, "")
	}

	if c.responseIsPending {
		if c.pendingStatus.OK() {
			return c.monitorResponse(hdr, ch, c.pendingValue, cas.StatusSuccess)
		}

		return c.valueFailureResponse(proto.CmdEventAdd, hdr, proto.ECAGetFail)
	}

	dbe, _ := proto.EventAddMask(req.payload)
	mask := maskFromDBE(dbe)
	if mask.Empty() {
		return c.sendErr(hdr, ch.cid, proto.ECABadMask, fmt.Sprintf("event add req with mask=0X%X\n", dbe))
	}

	// The initial value is read before the subscription exists, so a postponed
	// request can be restarted from scratch.
	v, st := c.readPV(asyncMonitorInit, req, ch)
	if st == cas.StatusPostponeAsyncIO {
		return resultPostpone
	}

	ch.installMonitor(hdr.Available, mask, proto.DBRType(hdr.DataType), hdr.Count)

	switch st {
	case cas.StatusSuccess:
		return c.setPending(c.monitorResponse(hdr, ch, v, st), st, v)
	case cas.StatusAsyncCompletion:
		return resultOK
	default:
		return c.setPending(c.valueFailureResponse(proto.CmdEventAdd, hdr, proto.ECAGetFail), st, nil)
	}
}

func (c *StreamClient) eventCancelAction(req *requestMsg) handlerResult {
	hdr := req.hdr
	ch, ok := c.srv.resources.lookupChannel(hdr.CID, c)
	if !ok {
		c.logBadID(hdr, proto.ECABadChID, hdr.CID)
		return resultDisconnect
	}

	if ch.findMonitor(hdr.Available) == nil {
		c.logBadID(hdr, proto.ECABadMonID, hdr.Available)
		return resultDisconnect
	}

	if res := c.headerOnly(proto.CmdEventAdd, hdr.DataType, hdr.Count, hdr.CID, hdr.Available); res != resultOK {
		return res
	}
	ch.uninstallMonitor(hdr.Available)

	return resultOK
}

func (c *StreamClient) clearChannelAction(req *requestMsg) handlerResult {
	hdr := req.hdr
	ch, ok := c.srv.resources.lookupChannel(hdr.CID, c)
	if !ok {
		return c.logBadID(hdr, proto.ECABadChID, hdr.CID)
	}

	if res := c.headerOnly(hdr.Command, hdr.DataType, hdr.Count, hdr.CID, hdr.Available); res != resultOK {
		return res
	}
	ch.destroy()

	return resultOK
}

func (c *StreamClient) readSyncAction(req *requestMsg) handlerResult {
	for _, ch := range c.channels {
		ch.clearOutstandingReads()
	}

	hdr := req.hdr

	return c.headerOnly(hdr.Command, hdr.DataType, hdr.Count, hdr.CID, hdr.Available)
}

func (c *StreamClient) writeAction(req *requestMsg) handlerResult {
	ch, eca := c.verifyRequest(req, false)
	if eca != proto.ECANormal {
		return c.sendErr(req.hdr, cidOf(ch), eca, "get request")
	}

	if c.responseIsPending {
		return c.writeFailureResponse(req.hdr, ch, c.pendingStatus)
	}

	if !ch.writeAccess() {
		eca := proto.ECAPutFail
		if c.minor.V41() {
			eca = proto.ECANoWtAccess
		}

		return c.sendErr(req.hdr, ch.cid, eca, "write access denied")
	}

	st := c.writePV(asyncWrite, req, ch, false)
	switch st {
	case cas.StatusSuccess, cas.StatusAsyncCompletion:
		return resultOK
	case cas.StatusPostponeAsyncIO:
		return resultPostpone
	default:
		return c.setPending(c.writeFailureResponse(req.hdr, ch, st), st, nil)
	}
}

func (c *StreamClient) writeNotifyAction(req *requestMsg) handlerResult {
	ch, eca := c.verifyRequest(req, false)
	if eca != proto.ECANormal {
		return c.writeNotifyECA(req.hdr, eca)
	}

	if c.responseIsPending {
		return c.writeNotifyResponse(req.hdr, ch, c.pendingStatus)
	}

	if !ch.writeAccess() {
		if c.minor.V41() {
			return c.writeNotifyECA(req.hdr, proto.ECANoWtAccess)
		}

		return c.writeNotifyResponse(req.hdr, ch, cas.StatusNoWrite)
	}

	st := c.writePV(asyncWriteNotify, req, ch, true)
	switch st {
	case cas.StatusAsyncCompletion:
		return resultOK
	case cas.StatusPostponeAsyncIO:
		return resultPostpone
	default:
		return c.setPending(c.writeNotifyResponse(req.hdr, ch, st), st, nil)
	}
}

func (c *StreamClient) searchAction(req *requestMsg) handlerResult {
	hdr := req.hdr
	if !proto.MinorVersion(hdr.Count).Supported() {
		c.logger.Debug("search from a client too old", "minor", hdr.Count)
		return resultDisconnect
	}

	name, problem := parsePVName(hdr, req.payload)
	if problem != pvNameOK {
		c.logger.Warn("malformed TCP search request", "reason", string(problem))
		return resultOK
	}
	if c.srv.cfg.DebugLevel() > 6 {
		c.logger.Debug("search", "pv", name)
	}

	c.srv.metrics.incSearchRecvCount()
	if c.srv.lowMemory() {
		return resultOK
	}

	rc := c.newToolCtx(asyncSearch, hdr, nil, nil, name)
	ret := c.srv.tool.PVExistTest(rc, c.addr, name)
	if aio := rc.end(); aio != nil {
		if ret.Status != cas.ExistAsync {
			c.logger.Warn("server tool started async io but returned a synchronous exist status, assuming async",
				"pv", name, "status", ret.Status.String())
		}

		return resultOK
	}

	switch ret.Status {
	case cas.ExistsHere, cas.DoesNotExistHere:
		return c.searchResponse(hdr, ret)
	case cas.ExistAsync:
		c.logger.Warn("unexpected async exist status without async io ignored", "pv", name)
	default:
		c.logger.Warn("invalid exist status ignored", "pv", name, "status", ret.Status.String())
	}

	return resultOK
}

func (c *StreamClient) claimChannelAction(req *requestMsg) handlerResult {
	hdr := req.hdr

	// the available field carries the client's minor version
	c.minor = 0
	if hdr.Available < proto.LargeSentinel {
		c.minor = proto.MinorVersion(hdr.Available)
	}

	if !c.minor.V44() {
		c.sendErr(hdr, hdr.CID, proto.ECADefunct, "R3.11 connect sequence from old client was ignored")
		return resultDisconnect
	}

	if hdr.PayloadSize <= 1 {
		c.logger.Warn("no PV name in create channel request")
		return resultDisconnect
	}

	name := nulString(req.payload)
	if name == "" || len(name) > proto.UnreasonablePVNameSize {
		c.logger.Warn("unreasonable PV name in create channel request", "length", len(name))
		return resultDisconnect
	}

	rc := c.newToolCtx(asyncCreateChan, hdr, nil, &c.srv.attachIO, name)
	ret := c.srv.tool.PVAttach(rc, name)
	aio := rc.end()

	if aio != nil {
		if ret.Status != cas.StatusAsyncCompletion {
			c.logger.Warn("server tool started async io but returned a synchronous attach status, assuming async",
				"pv", name, "status", ret.Status.String())
		}

		return resultOK
	}

	switch ret.Status {
	case cas.StatusAsyncCompletion:
		c.logger.Warn("server tool returned async attach without starting async io", "pv", name)
		return c.createChanResponse(hdr, cas.AttachReturn{Status: cas.StatusBadParameter})
	case cas.StatusPostponeAsyncIO:
		if c.postpone(&c.srv.attachIO) {
			return resultPostpone
		}

		return c.createChanResponse(hdr, cas.AttachReturn{Status: cas.StatusInternal})
	default:
		return c.createChanResponse(hdr, ret)
	}
}

// createChannel creates the channel of an attached PV, asking the PV for per-client
// access control when it supports it.
func (c *StreamClient) createChannel(pv cas.PV, cid uint32) (*channel, cas.Status) {
	pvh := c.srv.attachPV(pv)

	var tool cas.ChannelTool
	if creator, ok := pv.(cas.ChannelCreator); ok {
		rc := &requestCtx{
			Context:  context.Background(),
			addr:     c.addr,
			userName: c.userName,
			hostName: c.hostName,
			logger:   c.logger,
			metrics:  &c.srv.metrics,
		}
		t, st := creator.CreateChannel(rc, c.userName, c.hostName)
		rc.end()
		if !st.OK() {
			pvh.releaseChannel(nil)
			return nil, st
		}
		tool = t
	}

	ch := newChannel(c, pvh, cid, tool)
	c.channels = append(c.channels, ch)

	return ch, cas.StatusSuccess
}
