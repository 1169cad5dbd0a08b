package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyflow/internal/pipelineerr"
	"copyflow/internal/rules"
)

func validSpec() Specification {
	return Specification{
		ContentType: "Email",
		Goal:        "book a demo",
		RawInputs:   []string{"  Acme cut invoice time by 40%.  ", " "},
	}
}

func TestValidate_Accepts(t *testing.T) {
	assert.NoError(t, validSpec().Validate(nil))
}

func TestValidate_ReportsEveryMissingField(t *testing.T) {
	err := Specification{RawInputs: []string{"   "}}.Validate(nil)

	var verr *pipelineerr.ValidationError
	require.True(t, errors.As(err, &verr))
	var fields []string
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	assert.Equal(t, []string{"contentType", "goal", "rawInputs"}, fields)
	assert.Equal(t, pipelineerr.CodeValidation, pipelineerr.CodeOf(err))
	assert.False(t, pipelineerr.IsRetryable(err))
}

func TestValidate_LengthBudget(t *testing.T) {
	s := validSpec()
	s.LengthBudget = -1
	assert.ErrorContains(t, s.Validate(nil), "lengthBudget: must not be negative")

	rs := rules.Default().Lookup("email")
	s.LengthBudget = rs.MaxTotalWords + 1
	assert.ErrorContains(t, s.Validate(nil), "must not exceed")

	s.LengthBudget = rs.MaxTotalWords
	assert.NoError(t, s.Validate(nil))
}

func TestValidate_UnknownContentTypeFallsBack(t *testing.T) {
	s := validSpec()
	s.ContentType = "Press Release"
	assert.NoError(t, s.Validate(nil))
	assert.Equal(t, "press_release", s.Normalize().ContentType)
}

func TestNormalize(t *testing.T) {
	n := validSpec().Normalize()
	assert.Equal(t, "email", n.ContentType)
	assert.Equal(t, []string{"Acme cut invoice time by 40%."}, n.RawInputs)
}

func TestTargetWords(t *testing.T) {
	rs := rules.Default().Lookup("email")
	s := validSpec()
	assert.Equal(t, rs.TargetWords, s.TargetWords(rs))
	s.LengthBudget = 50
	assert.Equal(t, 50, s.TargetWords(rs))
}
