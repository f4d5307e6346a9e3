package stomp

import "github.com/go-stomp/stomp/v3/frame"

// Header names understood by the bridge.
const (
	HeaderContentLength = frame.ContentLength
	HeaderContentType   = frame.ContentType
	HeaderReceipt       = frame.Receipt
	HeaderReceiptID     = frame.ReceiptId
	HeaderAcceptVersion = frame.AcceptVersion
	HeaderHost          = frame.Host
	HeaderVersion       = frame.Version
	HeaderLogin         = frame.Login
	HeaderPasscode      = frame.Passcode
	HeaderHeartBeat     = frame.HeartBeat
	HeaderSession       = frame.Session
	HeaderServer        = frame.Server
	HeaderDestination   = frame.Destination
	HeaderID            = frame.Id
	HeaderAck           = frame.Ack
	HeaderTransaction   = frame.Transaction
	HeaderSubscription  = frame.Subscription
	HeaderMessageID     = frame.MessageId
	HeaderMessage       = frame.Message

	HeaderClientID      = "client-id"
	HeaderSelector      = "selector"
	HeaderDurableName   = "durable-subscriber-name"
	HeaderNoLocal       = "no-local"
	HeaderReplyTo       = "reply-to"
	HeaderCorrelationID = "correlation-id"
	HeaderExpires       = "expires"
	HeaderPriority      = "priority"
	HeaderPersistent    = "persistent"
	HeaderRedelivered   = "redelivered"
	HeaderTimestamp     = "timestamp"
	HeaderType          = "type"
)

// Ack header values.
const (
	AckAuto             = "auto"
	AckClient           = "client"
	AckClientIndividual = "client-individual"
)

// Protocol versions spoken by the bridge.
const (
	Version10 = "1.0"
	Version12 = "1.2"
)

// SupportedVersions is ordered from lowest to highest.
var SupportedVersions = []string{Version10, Version12}
