package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/col/classifier"
)

func TestLoadReturnsDefaultForType(t *testing.T) {
	l := NewLoader()
	p := l.Load(classifier.Result{RequestType: classifier.SystemRead})

	require.NotNil(t, p)
	assert.Contains(t, p.AppliesTo, classifier.SystemRead)
	assert.Equal(t, Standard, p.Priority)
}

func TestRegisterOverridesByID(t *testing.T) {
	l := NewLoader()
	l.Register(Protocol{
		ID:        "default_" + classifier.SystemExec.String(),
		Name:      "Strict Exec",
		AppliesTo: []classifier.RequestType{classifier.SystemExec},
		Priority:  Critical,
	})

	p := l.Load(classifier.Result{RequestType: classifier.SystemExec})
	require.NotNil(t, p)
	assert.Equal(t, "Strict Exec", p.Name)
	assert.Equal(t, Critical, p.Priority)
}

func TestLoadPicksHighestPriorityAmongMatches(t *testing.T) {
	l := NewLoader()
	l.Register(Protocol{
		ID:        "extra_advisory",
		AppliesTo: []classifier.RequestType{classifier.SystemRead},
		Priority:  Advisory,
	})
	l.Register(Protocol{
		ID:        "extra_strict",
		AppliesTo: []classifier.RequestType{classifier.SystemRead},
		Priority:  Strict,
	})

	p := l.Load(classifier.Result{RequestType: classifier.SystemRead})
	require.NotNil(t, p)
	assert.Equal(t, "extra_strict", p.ID)
}

type fixedEvaluator struct{ decision *Decision }

func (f fixedEvaluator) Evaluate(classifier.Result) *Decision { return f.decision }

func TestEvaluateConsultsRegisteredEvaluator(t *testing.T) {
	l := NewLoader()
	decision := &Decision{Action: Confirm, ProtocolID: "default_" + classifier.SystemExec.String(), Reason: "needs confirmation"}
	l.RegisterEvaluator("default_"+classifier.SystemExec.String(), fixedEvaluator{decision: decision})

	got := l.Evaluate("default_"+classifier.SystemExec.String(), classifier.Result{RequestType: classifier.SystemExec})
	require.NotNil(t, got)
	assert.Equal(t, Confirm, got.Action)
}

func TestEvaluateWithoutEvaluatorReturnsNil(t *testing.T) {
	l := NewLoader()
	assert.Nil(t, l.Evaluate("nonexistent", classifier.Result{}))
}

func TestGetReturnsByID(t *testing.T) {
	l := NewLoader()
	p := l.Get("default_" + classifier.SystemRead.String())
	require.NotNil(t, p)
	assert.Equal(t, "default_"+classifier.SystemRead.String(), p.ID)

	assert.Nil(t, l.Get("nonexistent"))
}
