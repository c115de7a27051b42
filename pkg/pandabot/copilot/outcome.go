package copilot

import (
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
)

// State of the tool-call loop.
type State string

const (
	StateAwaitingModel  State = "AWAITING_MODEL"
	StateExecutingTools State = "EXECUTING_TOOLS"
	StateDone           State = "DONE"
)

// OutcomeKind is how a loop ended.
type OutcomeKind int

const (
	// OutcomeAnswer means the model produced a final answer.
	OutcomeAnswer OutcomeKind = iota
	// OutcomeBudgetExhausted means the tool round cap was reached.
	OutcomeBudgetExhausted
	// OutcomeCancelled means a stop was requested.
	OutcomeCancelled
	// OutcomeError means the backend failed or the loop broke.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAnswer:
		return "answer"
	case OutcomeBudgetExhausted:
		return "budget_exhausted"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one loop run. Text is what the user
// should see: the model's answer or a synthesized notice.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Err  error

	// Rounds counts completed tool execution rounds.
	Rounds int
	// Trace lists every state the loop entered, ending with StateDone.
	Trace []State
	// Produced holds the messages generated during the run, in order.
	Produced []llm.Message
	Elapsed  time.Duration
}

// Notices shown for outcomes that are not model answers.
const (
	budgetNotice    = "I could not complete this within the iteration budget (%d tool rounds). Ask me to continue if you want me to keep going."
	cancelledNotice = "Stopped."
	errorNotice     = "Something went wrong while talking to the AI backend (%s). Please try again."
	busyNotice      = "Still working on the previous request. Send /stop to cancel it."
)
