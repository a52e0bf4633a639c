package gateway

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeRespond
	outcomeFail
)

// Outcome is the result of a stage: continue to the next stage, respond
// now, or fail with an error.
type Outcome struct {
	kind outcomeKind
	resp *Response
	err  error
}

// Continue proceeds to the next stage.
func Continue() Outcome {
	return Outcome{kind: outcomeContinue}
}

// Respond ends the stage list with resp.
func Respond(resp *Response) Outcome {
	return Outcome{kind: outcomeRespond, resp: resp}
}

// Fail ends the stage list with err, rendered through apierror.
func Fail(err error) Outcome {
	return Outcome{kind: outcomeFail, err: err}
}

// Done reports whether the stage list stops here.
func (o Outcome) Done() bool {
	return o.kind != outcomeContinue
}

// Stage is one named step of the pipeline.
type Stage struct {
	Name string
	Run  func(rc *RequestContext) Outcome
}
