package smtp

// State is the position of a session in the SMTP dialogue
type State int

const (
	StateGreet State = iota
	StateWaitHelo
	StateWaitMailFrom
	StateWaitRcptTo
	StateReceivingData
	StateClosing
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateGreet:
		return "GREET"
	case StateWaitHelo:
		return "HELO"
	case StateWaitMailFrom:
		return "MAIL"
	case StateWaitRcptTo:
		return "RCPT"
	case StateReceivingData:
		return "DATA"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}
