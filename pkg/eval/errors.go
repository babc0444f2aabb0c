package eval

import "fmt"

// TypeError reports an incompatible comparison, quantification over a
// non-list, multiplication on a non-numeric operand, or a non-Bool where
// a Bool was required.
type TypeError struct {
	Message string
}

func (e *TypeError) Error() string { return "type error: " + e.Message }

// UnknownFactError reports a referenced fact that is absent and has no
// default.
type UnknownFactError struct {
	FactID string
}

func (e *UnknownFactError) Error() string {
	return fmt.Sprintf("unknown fact '%s'", e.FactID)
}

// NotARecordError reports a field reference on a non-record value or a
// missing record field.
type NotARecordError struct {
	Message string
}

func (e *NotARecordError) Error() string { return e.Message }

// UnboundVariableError reports a variable reference with no binding and
// no matching fact.
type UnboundVariableError struct {
	Name string
}

func (e *UnboundVariableError) Error() string {
	return fmt.Sprintf("unbound variable '%s'", e.Name)
}

// OverflowError reports a value exceeding its declared precision or the
// int64 range. Overflow is never silent wrap.
type OverflowError struct {
	Message string
}

func (e *OverflowError) Error() string { return "overflow: " + e.Message }

// AssembleError reports a fact coercion failure, naming the fact and the
// reason.
type AssembleError struct {
	FactID string
	Reason string
}

func (e *AssembleError) Error() string {
	return fmt.Sprintf("fact '%s': %s", e.FactID, e.Reason)
}

// PersonaRejectedError reports a persona outside an operation's allowed
// set.
type PersonaRejectedError struct {
	OperationID string
	Persona     string
}

func (e *PersonaRejectedError) Error() string {
	return fmt.Sprintf("persona '%s' not authorized for operation '%s'", e.Persona, e.OperationID)
}

// PreconditionFailedError reports a precondition that did not hold, or a
// multi-outcome operation whose effects carried no outcome tag.
type PreconditionFailedError struct {
	OperationID string
	Reason      string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed for operation '%s': %s", e.OperationID, e.Reason)
}

// InvalidEntityStateError reports an entity instance whose current state
// does not match an effect's declared source state.
type InvalidEntityStateError struct {
	EntityID   string
	InstanceID string
	Expected   string
	Actual     string
}

func (e *InvalidEntityStateError) Error() string {
	return fmt.Sprintf("entity '%s' instance '%s' in state '%s', expected '%s'",
		e.EntityID, e.InstanceID, e.Actual, e.Expected)
}

// EntityNotFoundError reports an (entity, instance) pair absent from the
// state map. Operations never silently create instances.
type EntityNotFoundError struct {
	EntityID   string
	InstanceID string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity '%s' instance '%s' not found in state map", e.EntityID, e.InstanceID)
}

// FlowError reports a structural flow failure or an exceeded step bound.
type FlowError struct {
	FlowID  string
	Message string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("flow '%s': %s", e.FlowID, e.Message)
}

// StructureError reports a dangling reference inside a loaded contract:
// a step, operation, flow or outcome that should exist but does not.
type StructureError struct {
	Message string
}

func (e *StructureError) Error() string { return e.Message }
