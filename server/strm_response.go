package server

import (
	"net/netip"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
)

// readResponse answers a READ with the value or an error reply.
func (c *StreamClient) readResponse(hdr proto.Header, ch *channel, v *cas.Value, st cas.Status) handlerResult {
	if !st.OK() {
		return c.sendErrWithStatus(hdr, ch.cid, st, proto.ECAGetFail)
	}

	t := proto.DBRType(hdr.DataType)
	cv, cst := convertValue(ch.pvh.pv, v, cas.ReadRequest{Type: t, Count: hdr.Count})
	if !cst.OK() {
		return c.sendErrWithStatus(hdr, ch.cid, cst, proto.ECAGetFail)
	}

	count := responseCount(hdr.Count, cv)
	payload, err := c.copyInHeader(hdr.Command, t.SizeN(count), hdr.DataType, count, ch.cid, hdr.Available)
	if err != nil {
		return c.allocFailure(hdr, ch.cid, err, "unable to fit read response into server's buffer")
	}
	c.commitValue(payload, cv, t, count)

	return resultOK
}

// readNotifyResponse answers a READ_NOTIFY. The status travels in the cid field; a
// failed read is answered with a zeroed payload.
func (c *StreamClient) readNotifyResponse(hdr proto.Header, ch *channel, v *cas.Value, st cas.Status) handlerResult {
	if !st.OK() {
		return c.valueFailureResponse(hdr.Command, hdr, readFailureECA(st))
	}

	t := proto.DBRType(hdr.DataType)
	cv, cst := convertValue(ch.pvh.pv, v, cas.ReadRequest{Type: t, Count: hdr.Count})
	if !cst.OK() {
		return c.valueFailureResponse(hdr.Command, hdr, proto.ECANoConvert)
	}

	count := responseCount(hdr.Count, cv)
	payload, err := c.copyInHeader(hdr.Command, t.SizeN(count), hdr.DataType, count,
		uint32(proto.ECANormal), hdr.Available)
	if err != nil {
		return c.allocFailure(hdr, ch.cid, err, "unable to fit read notify response into server's buffer")
	}
	c.commitValue(payload, cv, t, count)

	return resultOK
}

// monitorResponse sends one subscription update. Read access is checked again since it
// may have changed after the subscription was installed.
func (c *StreamClient) monitorResponse(hdr proto.Header, ch *channel, v *cas.Value, st cas.Status) handlerResult {
	if !st.OK() {
		return c.valueFailureResponse(proto.CmdEventAdd, hdr, readFailureECA(st))
	}
	if !ch.readAccess() {
		return c.valueFailureResponse(proto.CmdEventAdd, hdr, proto.ECANoRdAccess)
	}

	t := proto.DBRType(hdr.DataType)
	cv, cst := convertValue(ch.pvh.pv, v, cas.ReadRequest{Type: t, Count: hdr.Count})
	if !cst.OK() {
		return c.valueFailureResponse(proto.CmdEventAdd, hdr, proto.ECANoConvert)
	}

	count := responseCount(hdr.Count, cv)
	payload, err := c.copyInHeader(proto.CmdEventAdd, t.SizeN(count), hdr.DataType, count,
		uint32(proto.ECANormal), hdr.Available)
	if err != nil {
		return c.allocFailure(hdr, ch.cid, err, "unable to fit monitor response into server's buffer")
	}
	c.commitValue(payload, cv, t, count)

	return resultOK
}

func (c *StreamClient) commitValue(payload []byte, v *cas.Value, t proto.DBRType, count uint32) {
	encodeValue(payload, v)
	if isScalarString(t, count) {
		c.out.CommitMsgReduced(stringPayloadSize(payload))
		return
	}
	c.out.CommitMsg()
}

// valueFailureResponse answers a value request with eca in the cid field and a zeroed
// payload of the requested size.
func (c *StreamClient) valueFailureResponse(cmd proto.Command, hdr proto.Header, eca proto.ECA) handlerResult {
	t := proto.DBRType(hdr.DataType)
	if _, err := c.copyInHeader(cmd, t.SizeN(hdr.Count), hdr.DataType, hdr.Count, uint32(eca), hdr.Available); err != nil {
		return resultFromAllocErr(err)
	}
	c.out.CommitMsg()

	return resultOK
}

// writeFailureResponse answers a failed WRITE. A successful WRITE has no reply.
func (c *StreamClient) writeFailureResponse(hdr proto.Header, ch *channel, st cas.Status) handlerResult {
	return c.sendErrWithStatus(hdr, ch.cid, st, writeFailureECA(st))
}

// writeResponse answers the completion of an async WRITE.
func (c *StreamClient) writeResponse(hdr proto.Header, ch *channel, st cas.Status) handlerResult {
	if st.OK() {
		return resultOK
	}

	return c.sendErrWithStatus(hdr, ch.cid, st, proto.ECAPutFail)
}

func (c *StreamClient) writeNotifyECA(hdr proto.Header, eca proto.ECA) handlerResult {
	return c.headerOnly(hdr.Command, hdr.DataType, hdr.Count, uint32(eca), hdr.Available)
}

// writeNotifyResponse answers a WRITE_NOTIFY. A failure is followed by an error reply
// carrying the tool status text.
func (c *StreamClient) writeNotifyResponse(hdr proto.Header, ch *channel, st cas.Status) handlerResult {
	if st.OK() {
		return c.writeNotifyECA(hdr, proto.ECANormal)
	}

	if res := c.writeNotifyECA(hdr, proto.ECAPutFail); res != resultOK {
		return res
	}
	c.sendErrWithStatus(hdr, ch.cid, st, proto.ECANoConvert)

	return resultOK
}

// searchResponse answers a search over the virtual circuit. The peer already knows the
// server address, so the reply carries the redirect address only.
func (c *StreamClient) searchResponse(hdr proto.Header, ret cas.ExistReturn) handlerResult {
	if ret.Status != cas.ExistsHere {
		if hdr.DataType == proto.DoReply {
			return c.headerOnly(proto.CmdNotFound, hdr.DataType, hdr.Count, hdr.CID, hdr.Available)
		}

		return resultOK
	}

	// the count field carries the minor version of the searching client
	minor := proto.MinorVersion(hdr.Count)
	if !minor.V44() {
		return c.sendErr(hdr, proto.InvalidResourceID, proto.ECADefunct,
			"R3.11 connect sequence from old client was ignored")
	}

	addr, port := searchReplyAddr(minor, ret, netip.AddrPort{})
	res := c.headerOnly(proto.CmdSearch, port, 0, addr, hdr.Available)
	if res == resultOK {
		c.srv.metrics.incSearchReplyCount()
	}

	return res
}

// createChanResponse answers a CREATE_CHAN once the PV is attached.
//
// The ACCESS_RIGHTS and the CREATE_CHAN headers are reserved together so the peer never
// sees one without the other.
func (c *StreamClient) createChanResponse(hdr proto.Header, ret cas.AttachReturn) handlerResult {
	if !ret.Status.OK() || ret.PV == nil {
		st := ret.Status
		if st.OK() {
			st = cas.StatusPVNotFound
		}

		return c.channelCreateFailed(hdr, st)
	}

	// room for both replies is reserved before the channel exists, so backpressure never
	// tears down a fresh channel
	ctx, err := c.out.PushCtx(0, proto.HeaderSize+proto.ExtendedHeaderSize)
	if err != nil {
		return resultFromAllocErr(err)
	}

	ch, st := c.createChannel(ret.PV, hdr.CID)
	if !st.OK() {
		c.out.PopCtx(ctx)
		return c.channelCreateFailed(hdr, st)
	}

	if res := c.accessRightsResponse(ch); res != resultOK {
		c.out.PopCtx(ctx)
		ch.destroy()

		return res
	}

	count := ch.maxElem()
	if !c.minor.V49() && count >= proto.LargeSentinel {
		count = proto.LargeSentinel - 1
	}
	t := ret.PV.BestExternalType()
	if _, err := c.copyInHeader(proto.CmdCreateChan, 0, uint16(t), count, hdr.CID, ch.sid); err != nil {
		c.out.PopCtx(ctx)
		ch.destroy()

		return resultFromAllocErr(err)
	}
	c.out.CommitMsg()

	c.out.CommitRawMsg(c.out.PopCtx(ctx))

	c.logger.Debug("channel created", "pv", ch.name(), "cid", ch.cid, "sid", ch.sid)

	return resultOK
}

// channelCreateFailed tells the peer the channel could not be created.
func (c *StreamClient) channelCreateFailed(hdr proto.Header, st cas.Status) handlerResult {
	if st != cas.StatusPVNotFound {
		c.logger.Warn("server unable to create a new PV", "cid", hdr.CID, "status", st.String())
	}

	if c.minor.V46() {
		return c.headerOnly(proto.CmdCreateChFail, 0, 0, hdr.CID, 0)
	}

	return c.sendErrWithStatus(hdr, hdr.CID, st, proto.ECAAllocMem)
}

// accessRightsResponse sends the access rights of ch to V4.1 and later peers.
func (c *StreamClient) accessRightsResponse(ch *channel) handlerResult {
	if !c.minor.V41() {
		return resultOK
	}

	return c.headerOnly(proto.CmdAccessRights, 0, 0, ch.cid, ch.accessRights())
}

// disconnectChanResponse tells a V4.7 peer that the server dropped the channel cid.
func (c *StreamClient) disconnectChanResponse(cid uint32) handlerResult {
	return c.headerOnly(proto.CmdServerDisconn, 0, 0, cid, 0)
}

func toDeliverResult(res handlerResult) deliverResult {
	if res == resultSendBlocked {
		return deliverRetry
	}

	return deliverDone
}

// deliverEvent writes one queued event into the egress buffer. It runs under c.mu.
func (c *StreamClient) deliverEvent(e *eventEntry, v *cas.Value) deliverResult {
	switch e.kind {
	case eventMonitor:
		return c.deliverMonitor(e.mon, v)
	case eventAsyncIO:
		return c.deliverAsync(e.aio)
	case eventNotice:
		return e.notice()
	default:
		return deliverCancel
	}
}

func (c *StreamClient) deliverMonitor(mon *monitor, v *cas.Value) deliverResult {
	ch := mon.ch
	if mon.destroyed || ch.destroyed {
		return deliverCancel
	}

	hdr := proto.Header{
		Command:   proto.CmdEventAdd,
		DataType:  uint16(mon.dbrType),
		Count:     mon.count,
		CID:       ch.sid,
		Available: mon.clientID,
	}
	res := toDeliverResult(c.monitorResponse(hdr, ch, v, cas.StatusSuccess))
	if res == deliverDone {
		c.srv.metrics.incEventSendCount()
	}

	return res
}

// deliverAsync runs the response builder of a completed async request.
func (c *StreamClient) deliverAsync(r *asyncRequest) deliverResult {
	r.eq.mu.Lock()
	gone := r.chanGone
	res := r.result
	r.eq.mu.Unlock()

	if gone || (r.ch != nil && r.ch.destroyed) {
		return deliverCancel
	}

	var hr handlerResult
	switch r.kind {
	case asyncSearch:
		hr = c.searchResponse(r.hdr, res.Exist)
	case asyncCreateChan:
		hr = c.createChanResponse(r.hdr, cas.AttachReturn{PV: res.PV, Status: res.Status})
	case asyncRead:
		hr = c.readResponse(r.hdr, r.ch, res.Value, res.Status)
	case asyncReadNotify:
		hr = c.readNotifyResponse(r.hdr, r.ch, res.Value, res.Status)
	case asyncMonitorInit:
		hr = c.monitorResponse(r.hdr, r.ch, res.Value, res.Status)
	case asyncWrite:
		hr = c.writeResponse(r.hdr, r.ch, res.Status)
	case asyncWriteNotify:
		hr = c.writeNotifyResponse(r.hdr, r.ch, res.Status)
	default:
		c.logger.Warn("async completion of unknown kind dropped", "kind", r.kind.String())
		return deliverCancel
	}

	dr := toDeliverResult(hr)
	if dr != deliverRetry && r.ch != nil {
		r.ch.removeIO(r)
	}

	return dr
}
