package bothandlers

import (
	"sync"

	"github.com/dropline/server/internal/storage"
)

// flow is one in-progress multi-step conversation. Each flow type
// carries its own draft payload and named step; transitions happen only
// in the flow's own handler and only on the input kind it expects.
// Anything else leaves the flow where it was.
type flow interface {
	flowName() string
}

// applyCodeFlow waits for one text message holding a discount code.
type applyCodeFlow struct{}

func (applyCodeFlow) flowName() string { return "apply_code" }

// refillFlow waits for one text message holding a EUR amount.
type refillFlow struct{}

func (refillFlow) flowName() string { return "refill" }

// addDropStep names the stations of the add-drop interview.
type addDropStep uint8

const (
	stepDropCity addDropStep = iota
	stepDropDistrict
	stepDropType
	stepDropSize
	stepDropPrice
	stepDropDetails
	stepDropMedia
)

// addDropFlow collects one listing field per message, creates the
// product after the details step, then accepts photos until "done".
type addDropFlow struct {
	step      addDropStep
	draft     storage.Product
	productID int64
}

func (*addDropFlow) flowName() string { return "add_drop" }

// bulkAddFlow accumulates one parsed listing per message line and
// commits the whole batch on "done".
type bulkAddFlow struct {
	drafts []storage.Product
}

func (*bulkAddFlow) flowName() string { return "bulk_add" }

// codeStep names the stations of the discount-code interview.
type codeStep uint8

const (
	stepCodeText codeStep = iota
	stepCodeKind
	stepCodeValue
	stepCodeTotalCap
	stepCodeUserCap
	stepCodeExpiry
	stepCodeCities
	stepCodeTypes
	stepCodeSizes
)

// createCodeFlow builds a discount code field by field.
type createCodeFlow struct {
	step  codeStep
	draft storage.DiscountCode
}

func (*createCodeFlow) flowName() string { return "create_code" }

// recoverFlow waits for a payment id, optionally prefixed with
// "release" to release instead of settle.
type recoverFlow struct{}

func (recoverFlow) flowName() string { return "recover" }

// broadcastFlow holds the drafted text until the admin confirms it.
type broadcastFlow struct {
	text string
}

func (*broadcastFlow) flowName() string { return "broadcast" }

// welcomeFlow waits for the new /start welcome text.
type welcomeFlow struct{}

func (welcomeFlow) flowName() string { return "welcome" }

// flowTable holds at most one live flow per user. Flows are in-process
// state; a restart simply forgets them and the user starts over.
type flowTable struct {
	mu sync.Mutex
	m  map[int64]flow
}

func newFlowTable() *flowTable {
	return &flowTable{m: make(map[int64]flow)}
}

func (t *flowTable) set(userID int64, f flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[userID] = f
}

func (t *flowTable) get(userID int64) (flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.m[userID]
	return f, ok
}

func (t *flowTable) clear(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, userID)
}
