package dispatch

// Outcome is how a single outbound call ends for its attempt.
type Outcome int

const (
	// Completed means the endpoint accepted the delivery.
	Completed Outcome = iota
	// Retryable means the attempt goes back to ENQUEUED and a delayed copy is scheduled.
	Retryable
	// Terminal means the endpoint rejected the delivery and will keep rejecting it.
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classify maps an HTTP status code to an Outcome.
func Classify(statusCode int) Outcome {
	switch {
	case statusCode < 300:
		return Completed
	case statusCode >= 500:
		return Retryable
	}

	switch statusCode {
	case 408, // Request Timeout
		429: // Too Many Requests
		return Retryable
	}

	// Redirects and the remaining 4xx answers will not change on retry.
	return Terminal
}
