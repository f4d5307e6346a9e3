package server

import (
	"context"
	"strings"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/bridge"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

// ServerVersion is reported in the server header of CONNECTED frames.
const ServerVersion = "1.0.0"

// defaultSubscriptionPrefix names 1.0 subscriptions that carry no id.
const defaultSubscriptionPrefix = "/subscription-to/"

// FrameSink is the output side the protocol handler writes to.
type FrameSink interface {
	bridge.OutputSink
	SendAndFlush(f *stomp.Frame) error
	SetVersion(version string)
}

// ProtocolHandler routes the frames of one connection to its bridge session
// and turns failures into ERROR frames.
type ProtocolHandler struct {
	connID  string
	appName string
	out     FrameSink
	parser  *stomp.Parser
	session *bridge.Connection
	version string
}

func NewProtocolHandler(connID, appName string, bctx *bridge.Context, out FrameSink, parser *stomp.Parser) *ProtocolHandler {
	return &ProtocolHandler{
		connID:  connID,
		appName: appName,
		out:     out,
		parser:  parser,
		session: bridge.NewConnection(bctx, connID, out),
		version: stomp.Version10,
	}
}

// Connected reports whether CONNECT has succeeded.
func (h *ProtocolHandler) Connected() bool {
	return h.session.Connected()
}

// Handle processes one frame. It returns false once the connection must end.
func (h *ProtocolHandler) Handle(ctx context.Context, f *stomp.Frame) bool {
	metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()
	logger.DebugF("[%s] Receive %s", h.connID, f)

	if !f.Type.IsClientCommand() {
		return h.fail(f.Type.String(), f.Receipt(), bridge.ProtocolErrorf("unsupported command %s", f.Type))
	}

	var err error
	switch f.Type {
	case stomp.CONNECT:
		return h.onConnect(ctx, f)
	case stomp.DISCONNECT:
		return h.onDisconnect(f)
	case stomp.SEND:
		err = h.session.Send(f, f.Get(stomp.HeaderTransaction))
	case stomp.SUBSCRIBE:
		return h.onSubscribe(f)
	case stomp.UNSUBSCRIBE:
		err = h.onUnsubscribe(f)
	case stomp.ACK, stomp.NACK:
		err = h.onAck(f)
	case stomp.BEGIN:
		err = h.withTransaction(f, h.session.Begin)
	case stomp.COMMIT:
		err = h.withTransaction(f, h.session.Commit)
	case stomp.ABORT:
		err = h.withTransaction(f, h.session.Abort)
	default:
		err = bridge.ProtocolErrorf("unsupported command %s", f.Type)
	}
	if err != nil {
		return h.fail(f.Type.String(), f.Receipt(), err)
	}
	return h.receipt(f)
}

// HandleParseError reports a frame the parser rejected. It returns false when
// the error ends the connection.
func (h *ProtocolHandler) HandleParseError(perr *stomp.ParseError) bool {
	metrics.ParseErrors.Inc()
	receipt := ""
	if perr.Frame != nil {
		receipt = perr.Frame.Receipt()
	}
	err := bridge.ProtocolErrorf("%s", perr.Reason)
	if perr.Exhausted {
		err = bridge.Exhausted(perr)
	}
	return h.report(perr.Command.String(), receipt, err, perr.Fatal || perr.Exhausted)
}

// Close releases the bridge session when the transport goes away.
func (h *ProtocolHandler) Close() {
	if err := h.session.Disconnect(false); err != nil {
		logger.WarnF("[%s] Fail to release provider connection, details: %v", h.connID, err)
	}
}

// fail writes an ERROR frame. Fatal errors are flushed before the handler
// asks for the connection to be closed.
func (h *ProtocolHandler) fail(where, receipt string, err error) bool {
	return h.report(where, receipt, err, bridge.KindOf(err).Fatal())
}

func (h *ProtocolHandler) report(where, receipt string, err error, fatal bool) bool {
	if bridge.IsKind(err, bridge.KindResourceExhausted) {
		logger.ErrorF("[%s] %s exhausted a resource limit, details: %v", h.connID, where, err)
	} else {
		logger.WarnF("[%s] %s failed, details: %v", h.connID, where, err)
	}

	f := bridge.ErrorFrame(where, err, fatal, receipt)
	if fatal {
		if sendErr := h.out.SendAndFlush(f); sendErr != nil {
			logger.DebugF("[%s] Fail to flush ERROR frame, details: %v", h.connID, sendErr)
		}
		return false
	}
	if sendErr := h.out.Send(f); sendErr != nil {
		logger.DebugF("[%s] Fail to send ERROR frame, details: %v", h.connID, sendErr)
		return false
	}
	return true
}

func (h *ProtocolHandler) receipt(f *stomp.Frame) bool {
	r := f.Receipt()
	if r == "" {
		return true
	}
	if err := h.out.Send(stomp.NewFrame(stomp.RECEIPT, stomp.HeaderReceiptID, r)); err != nil {
		logger.DebugF("[%s] Fail to send RECEIPT, details: %v", h.connID, err)
		return false
	}
	return true
}

func (h *ProtocolHandler) onConnect(ctx context.Context, f *stomp.Frame) bool {
	if h.session.Connected() {
		return h.fail(stomp.CONNECT.String(), f.Receipt(), bridge.ErrAlreadyConnected)
	}

	version, err := stomp.NegotiateVersion(f.Get(stomp.HeaderAcceptVersion))
	if err != nil {
		reply := bridge.ErrorFrame(stomp.CONNECT.String(), bridge.ProtocolErrorf("%v", err), true, f.Receipt())
		reply.Add(stomp.HeaderVersion, stomp.SupportedVersionList())
		if sendErr := h.out.SendAndFlush(reply); sendErr != nil {
			logger.DebugF("[%s] Fail to flush ERROR frame, details: %v", h.connID, sendErr)
		}
		logger.WarnF("[%s] Version negotiation failed, details: %v", h.connID, err)
		return false
	}
	h.version = version
	h.parser.SetVersion(version)
	h.out.SetVersion(version)

	uid, err := h.session.Connect(ctx, f.Get(stomp.HeaderLogin), f.Get(stomp.HeaderPasscode), f.Get(stomp.HeaderClientID))
	if err != nil {
		return h.fail(stomp.CONNECT.String(), f.Receipt(), err)
	}

	connected := stomp.NewFrame(stomp.CONNECTED,
		stomp.HeaderVersion, version,
		stomp.HeaderSession, uid,
		stomp.HeaderHeartBeat, "0,0",
		stomp.HeaderServer, h.appName+"/"+ServerVersion,
	)
	if r := f.Receipt(); r != "" {
		connected.Add(stomp.HeaderReceiptID, r)
	}
	if err := h.out.Send(connected); err != nil {
		logger.DebugF("[%s] Fail to send CONNECTED, details: %v", h.connID, err)
		return false
	}
	logger.InfoF("[%s] Client connected with STOMP %s as %s", h.connID, version, uid)
	return true
}

func (h *ProtocolHandler) onDisconnect(f *stomp.Frame) bool {
	if err := h.session.Disconnect(true); err != nil {
		if bridge.IsKind(err, bridge.KindNotConnected) {
			logger.DebugF("[%s] DISCONNECT without CONNECT", h.connID)
		} else {
			logger.WarnF("[%s] DISCONNECT failed, details: %v", h.connID, err)
		}
	}
	if r := f.Receipt(); r != "" {
		if err := h.out.SendAndFlush(stomp.NewFrame(stomp.RECEIPT, stomp.HeaderReceiptID, r)); err != nil {
			logger.DebugF("[%s] Fail to flush RECEIPT, details: %v", h.connID, err)
		}
	}
	logger.InfoF("[%s] Client disconnect", h.connID)
	return false
}

func (h *ProtocolHandler) onSubscribe(f *stomp.Frame) bool {
	req, err := h.subscribeRequest(f)
	if err != nil {
		return h.fail(stomp.SUBSCRIBE.String(), f.Receipt(), err)
	}
	sub, err := h.session.CreateSubscriber(req)
	if err != nil {
		return h.fail(stomp.SUBSCRIBE.String(), f.Receipt(), err)
	}
	if !h.receipt(f) {
		return false
	}
	if err := sub.StartDelivery(); err != nil {
		if _, closeErr := h.session.CloseSubscriber(sub.ID(), ""); closeErr != nil {
			logger.WarnF("[%s] Fail to remove subscriber %s, details: %v", h.connID, sub.ID(), closeErr)
		}
		return h.fail(stomp.SUBSCRIBE.String(), "", err)
	}
	return true
}

func (h *ProtocolHandler) subscribeRequest(f *stomp.Frame) (bridge.SubscribeRequest, error) {
	dest := f.Get(stomp.HeaderDestination)
	if dest == "" {
		return bridge.SubscribeRequest{}, bridge.ProtocolErrorf("missing header %s", stomp.HeaderDestination)
	}
	id := f.Get(stomp.HeaderID)
	if id == "" {
		if h.version == stomp.Version12 {
			return bridge.SubscribeRequest{}, bridge.ProtocolErrorf("missing header %s", stomp.HeaderID)
		}
		id = defaultSubscriptionPrefix + dest
	}
	ack := f.Get(stomp.HeaderAck)
	switch ack {
	case "":
		ack = stomp.AckAuto
	case stomp.AckAuto, stomp.AckClient, stomp.AckClientIndividual:
	default:
		return bridge.SubscribeRequest{}, bridge.ProtocolErrorf("invalid header value %s:%s", stomp.HeaderAck, ack)
	}
	return bridge.SubscribeRequest{
		ID:            id,
		Destination:   dest,
		AckMode:       ack,
		Selector:      f.Get(stomp.HeaderSelector),
		DurableName:   f.Get(stomp.HeaderDurableName),
		NoLocal:       strings.EqualFold(f.Get(stomp.HeaderNoLocal), "true"),
		TransactionID: f.Get(stomp.HeaderTransaction),
	}, nil
}

func (h *ProtocolHandler) onUnsubscribe(f *stomp.Frame) error {
	id := f.Get(stomp.HeaderID)
	durable := f.Get(stomp.HeaderDurableName)
	if id == "" && durable == "" {
		if h.version == stomp.Version12 {
			return bridge.ProtocolErrorf("missing header %s", stomp.HeaderID)
		}
		dest := f.Get(stomp.HeaderDestination)
		if dest == "" {
			return bridge.ProtocolErrorf("missing header %s or %s", stomp.HeaderID, stomp.HeaderDestination)
		}
		id = defaultSubscriptionPrefix + dest
	}
	_, err := h.session.CloseSubscriber(id, durable)
	return err
}

// onAck splits the acknowledgement id. STOMP 1.2 sends the ack header of the
// MESSAGE, which is the subscription id followed by the message id. Without
// it, and always in 1.0, the message id and optionally the subscription are used.
func (h *ProtocolHandler) onAck(f *stomp.Frame) error {
	nack := f.Type == stomp.NACK
	if nack {
		return bridge.ErrNackUnsupported
	}
	tid := f.Get(stomp.HeaderTransaction)

	if ackID := f.Get(stomp.HeaderID); h.version == stomp.Version12 && ackID != "" {
		idx := strings.LastIndex(ackID, "ID:")
		if idx <= 0 {
			return bridge.ProtocolErrorf("invalid header value %s:%s", stomp.HeaderID, ackID)
		}
		return h.session.Ack(tid, ackID[:idx], ackID[idx:], false, nack)
	}

	msgID := f.Get(stomp.HeaderMessageID)
	if msgID == "" {
		if h.version == stomp.Version12 && f.Get(stomp.HeaderSubscription) == "" {
			return bridge.ProtocolErrorf("missing header %s", stomp.HeaderID)
		}
		return bridge.ProtocolErrorf("missing header %s", stomp.HeaderMessageID)
	}
	if subID := f.Get(stomp.HeaderSubscription); subID != "" {
		return h.session.Ack(tid, subID, msgID, false, nack)
	}
	return h.session.Ack(tid, defaultSubscriptionPrefix, msgID, true, nack)
}

func (h *ProtocolHandler) withTransaction(f *stomp.Frame, op func(tid string) error) error {
	tid := f.Get(stomp.HeaderTransaction)
	if tid == "" {
		return bridge.ProtocolErrorf("missing header %s", stomp.HeaderTransaction)
	}
	return op(tid)
}
