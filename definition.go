package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// subSagaService is the reserved service name marking a step record that is
// backed by a child saga rather than a remote operation.
const subSagaService = "saga"

// Node is one structural element of a saga definition. Concrete kinds are
// StepNode (a forward/compensation operation pair), ParallelNode (a set of
// independent children dispatched concurrently), BranchNode (exactly one arm
// selected by a predicate over the saga context) and SubSagaNode (a step that
// is itself a saga). The coordinator's execution loop recurses structurally
// over the node kinds.
type Node interface {
	node()
}

// StepNode is a leaf step: one forward operation and, unless the step is
// explicitly declared non-reversible, one compensation operation.
type StepNode struct {
	Name          string
	Forward       Operation
	Compensation  *Operation
	NonReversible bool
}

func (*StepNode) node() {}

// ParallelNode dispatches its children concurrently. The block completes
// only when every child reached a terminal state. With FailFast a failing
// child cancels its siblings' contexts; either way the block joins all
// children before compensation may begin, so no forward call is ever
// compensated while still in flight.
type ParallelNode struct {
	Name     string
	FailFast bool
	Children []Node
}

func (*ParallelNode) node() {}

// BranchArm is one alternative inside a BranchNode. A nil When marks the
// default arm.
type BranchArm struct {
	Name     string
	When     func(context map[string]any) bool
	Children []Node
}

// BranchNode selects exactly one arm by evaluating predicates against the
// saga context before the branch begins. Only the selected arm's steps are
// ever executed or compensated.
type BranchNode struct {
	Name string
	Arms []BranchArm
}

func (*BranchNode) node() {}

// SubSagaNode runs a child saga to completion (or rollback) before the
// parent step is marked succeeded or failed. The child's compensations are
// local to it; the parent sees a failed child as a single failed step.
type SubSagaNode struct {
	Name       string
	Definition *Definition
}

func (*SubSagaNode) node() {}

// Step builds a reversible leaf step.
func Step(name string, forward Operation, compensation Operation) Node {
	comp := compensation
	return &StepNode{Name: name, Forward: forward, Compensation: &comp}
}

// StepNonReversible builds a leaf step that deliberately has no
// compensation. The declaration is explicit so a forgotten compensation
// cannot slip through definition validation.
func StepNonReversible(name string, forward Operation) Node {
	return &StepNode{Name: name, Forward: forward, NonReversible: true}
}

// Parallel builds a concurrent block.
func Parallel(name string, failFast bool, children ...Node) Node {
	return &ParallelNode{Name: name, FailFast: failFast, Children: children}
}

// Branch builds a conditional block.
func Branch(name string, arms ...BranchArm) Node {
	return &BranchNode{Name: name, Arms: arms}
}

// Arm builds one branch alternative. Pass a nil predicate for the default
// arm.
func Arm(name string, when func(context map[string]any) bool, children ...Node) BranchArm {
	return BranchArm{Name: name, When: when, Children: children}
}

// SubSaga embeds a child saga as a single step of the parent.
func SubSaga(name string, def *Definition) Node {
	return &SubSagaNode{Name: name, Definition: def}
}

// Definition is the template of a business transaction: an ordered structure
// of steps supplied by the calling application.
type Definition struct {
	ID string
	// Timeout is the optional saga ceiling; zero means unbounded. On expiry
	// the coordinator finishes the in-flight step and then compensates.
	Timeout time.Duration
	Nodes   []Node
}

// DefinitionBuilder assembles and validates a Definition.
type DefinitionBuilder struct {
	def *Definition
}

// NewDefinition creates a new builder instance.
func NewDefinition(id string) *DefinitionBuilder {
	return &DefinitionBuilder{def: &Definition{ID: id}}
}

// Add appends nodes in execution order.
func (b *DefinitionBuilder) Add(nodes ...Node) *DefinitionBuilder {
	b.def.Nodes = append(b.def.Nodes, nodes...)
	return b
}

// WithTimeout sets the saga ceiling timeout.
func (b *DefinitionBuilder) WithTimeout(d time.Duration) *DefinitionBuilder {
	b.def.Timeout = d
	return b
}

// Build validates the assembled definition.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def, nil
}

// Validate checks the definition tree: operations are complete, step names
// are unique, every step either declares a compensation or is explicitly
// non-reversible, branches have at most one default arm, and sub-saga
// definitions are themselves valid.
func (d *Definition) Validate() error {
	if d == nil {
		return errors.Join(ErrDefinition, errors.New("definition is nil"))
	}
	if d.ID == "" {
		return errors.Join(ErrDefinition, errors.New("definition id is empty"))
	}
	if len(d.Nodes) == 0 {
		return errors.Join(ErrDefinition, fmt.Errorf("definition %q has no steps", d.ID))
	}
	seen := map[string]struct{}{}
	return validateNodes(d.ID, d.Nodes, seen)
}

func validateNodes(defID string, nodes []Node, seen map[string]struct{}) error {
	for _, n := range nodes {
		switch node := n.(type) {
		case *StepNode:
			if err := validateName(defID, node.Name, seen); err != nil {
				return err
			}
			if err := validate.Struct(node.Forward); err != nil {
				return errors.Join(ErrDefinition, fmt.Errorf("step %q forward operation: %w", node.Name, err))
			}
			if node.Compensation == nil && !node.NonReversible {
				return errors.Join(ErrDefinition, fmt.Errorf("step %q has no compensation and is not declared non-reversible", node.Name))
			}
			if node.Compensation != nil {
				if err := validate.Struct(*node.Compensation); err != nil {
					return errors.Join(ErrDefinition, fmt.Errorf("step %q compensation operation: %w", node.Name, err))
				}
			}
		case *ParallelNode:
			if len(node.Children) == 0 {
				return errors.Join(ErrDefinition, fmt.Errorf("parallel block %q has no children", node.Name))
			}
			if err := validateNodes(defID, node.Children, seen); err != nil {
				return err
			}
		case *BranchNode:
			if len(node.Arms) == 0 {
				return errors.Join(ErrDefinition, fmt.Errorf("branch %q has no arms", node.Name))
			}
			defaults := 0
			for _, arm := range node.Arms {
				if arm.When == nil {
					defaults++
				}
				if err := validateNodes(defID, arm.Children, seen); err != nil {
					return err
				}
			}
			if defaults > 1 {
				return errors.Join(ErrDefinition, fmt.Errorf("branch %q has %d default arms", node.Name, defaults))
			}
		case *SubSagaNode:
			if err := validateName(defID, node.Name, seen); err != nil {
				return err
			}
			if err := node.Definition.Validate(); err != nil {
				return errors.Join(ErrDefinition, fmt.Errorf("sub-saga %q: %w", node.Name, err))
			}
		default:
			return errors.Join(ErrDefinition, fmt.Errorf("unknown node type %T", n))
		}
	}
	return nil
}

func validateName(defID, name string, seen map[string]struct{}) error {
	if name == "" {
		return errors.Join(ErrDefinition, fmt.Errorf("definition %q has a step with an empty name", defID))
	}
	if _, dup := seen[name]; dup {
		return errors.Join(ErrDefinition, fmt.Errorf("definition %q has duplicate step name %q", defID, name))
	}
	seen[name] = struct{}{}
	return nil
}

// flatten walks the tree depth-first and assigns a stable index to every
// step-bearing node (StepNode and SubSagaNode), including steps on branch
// arms that may never run. Recovery re-walks the same definition, so the
// walk order is the index order.
func (d *Definition) flatten() []flatStep {
	var out []flatStep
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			switch node := n.(type) {
			case *StepNode:
				out = append(out, flatStep{index: len(out), step: node})
			case *SubSagaNode:
				out = append(out, flatStep{index: len(out), sub: node})
			case *ParallelNode:
				walk(node.Children)
			case *BranchNode:
				for _, arm := range node.Arms {
					walk(arm.Children)
				}
			}
		}
	}
	walk(d.Nodes)
	return out
}

type flatStep struct {
	index int
	step  *StepNode
	sub   *SubSagaNode
}

// nodeSpan counts the step records a node occupies in the flattened index
// space. Parallel children and branch arms reserve their full span whether
// or not they run.
func nodeSpan(n Node) int {
	switch node := n.(type) {
	case *StepNode, *SubSagaNode:
		return 1
	case *ParallelNode:
		total := 0
		for _, child := range node.Children {
			total += nodeSpan(child)
		}
		return total
	case *BranchNode:
		total := 0
		for _, arm := range node.Arms {
			for _, child := range arm.Children {
				total += nodeSpan(child)
			}
		}
		return total
	}
	return 0
}

// records materializes the pending step records persisted at saga creation.
func (d *Definition) records() []StepRecord {
	flat := d.flatten()
	records := make([]StepRecord, len(flat))
	for i, fs := range flat {
		switch {
		case fs.step != nil:
			records[i] = StepRecord{
				Index:        fs.index,
				Name:         fs.step.Name,
				Forward:      fs.step.Forward,
				Compensation: fs.step.Compensation,
				State:        StepPending,
			}
		case fs.sub != nil:
			records[i] = StepRecord{
				Index:   fs.index,
				Name:    fs.sub.Name,
				Forward: Operation{Service: subSagaService, Operation: fs.sub.Definition.ID},
				State:   StepPending,
			}
		}
	}
	return records
}
