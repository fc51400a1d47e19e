package negotiation

type State int

const (
	Idle State = iota
	OfferSent
	OfferReceived
	AnswerSent
	Stable
	RenegoOfferSent
	RenegoAnswerSent
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	case AnswerSent:
		return "answer-sent"
	case Stable:
		return "stable"
	case RenegoOfferSent:
		return "renego-offer-sent"
	case RenegoAnswerSent:
		return "renego-answer-sent"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
