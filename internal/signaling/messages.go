// Package signaling implements the signaling service: the HTTP account and
// device API plus the /signal WebSocket hub that routes WebRTC session
// descriptions, ICE candidates, and transport negotiation between two
// devices owned by the same user.
package signaling

// Frame types on the /signal WebSocket. Client frames carry a
// target_device_id; the hub rewrites them with the sender's identity
// before delivery.
const (
	TypeConnected              = "connected"
	TypeOffer                  = "offer"
	TypeAnswer                 = "answer"
	TypeICECandidate           = "ice-candidate"
	TypeConnectRequest         = "connect-request"
	TypeConnectRequestReceived = "connect-request-received"
	TypeConnectAck             = "connect-ack"
	TypeConnectAckReceived     = "connect-ack-received"
	TypeAck                    = "ack"
	TypeError                  = "error"
)

// routedTypes are the client frame types the hub forwards to a target
// device. Anything else coming from a client is rejected with an error
// frame.
var routedTypes = map[string]bool{
	TypeOffer:          true,
	TypeAnswer:         true,
	TypeICECandidate:   true,
	TypeConnectRequest: true,
	TypeConnectAck:     true,
}

// deliveredType maps a routed client type onto the type the target
// receives. The request/ack pair changes name so a device can tell its
// own outbound requests from its peer's.
func deliveredType(t string) string {
	switch t {
	case TypeConnectRequest:
		return TypeConnectRequestReceived
	case TypeConnectAck:
		return TypeConnectAckReceived
	default:
		return t
	}
}
