package queue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

func TestValidateSubmission(t *testing.T) {
	valid := func() *models.JobSubmission {
		return &models.JobSubmission{WorkflowID: "invoice-sync_v2", Priority: models.Int(10), MaxRetries: models.Int(3)}
	}

	assert.NoError(t, validateSubmission(valid()))

	cases := []struct {
		name   string
		mutate func(*models.JobSubmission)
	}{
		{"empty workflow id", func(s *models.JobSubmission) { s.WorkflowID = "" }},
		{"workflow id with spaces", func(s *models.JobSubmission) { s.WorkflowID = "bad id" }},
		{"workflow id with slash", func(s *models.JobSubmission) { s.WorkflowID = "a/b" }},
		{"workflow id too long", func(s *models.JobSubmission) { s.WorkflowID = strings.Repeat("x", 129) }},
		{"priority below range", func(s *models.JobSubmission) { s.Priority = models.Int(-1) }},
		{"priority above range", func(s *models.JobSubmission) { s.Priority = models.Int(101) }},
		{"retries below range", func(s *models.JobSubmission) { s.MaxRetries = models.Int(-1) }},
		{"retries above range", func(s *models.JobSubmission) { s.MaxRetries = models.Int(11) }},
		{"negative delay", func(s *models.JobSubmission) { s.DelaySeconds = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := valid()
			tc.mutate(s)
			assert.ErrorIs(t, validateSubmission(s), apperrors.ErrValidation)
		})
	}

	// Boundary values are accepted.
	s := valid()
	s.Priority = models.Int(100)
	s.MaxRetries = models.Int(10)
	s.WorkflowID = strings.Repeat("x", 128)
	assert.NoError(t, validateSubmission(s))

	s = valid()
	s.Priority = models.Int(0)
	s.MaxRetries = models.Int(0)
	assert.NoError(t, validateSubmission(s))
}

func TestApplyDefaults(t *testing.T) {
	p := &Producer{cfg: DefaultProducerConfig()}

	s := &models.JobSubmission{WorkflowID: "wf"}
	p.applyDefaults(s)
	assert.Equal(t, 10, *s.Priority)
	assert.Equal(t, 3, *s.MaxRetries)
	assert.Equal(t, "default", s.Environment)
	assert.NotNil(t, s.Variables)

	// Explicit values survive.
	s = &models.JobSubmission{
		WorkflowID:  "wf",
		Priority:    models.Int(42),
		MaxRetries:  models.Int(7),
		Environment: "staging",
		Variables:   map[string]any{"k": "v"},
	}
	p.applyDefaults(s)
	assert.Equal(t, 42, *s.Priority)
	assert.Equal(t, 7, *s.MaxRetries)
	assert.Equal(t, "staging", s.Environment)
	assert.Equal(t, "v", s.Variables["k"])
}

func TestApplyDefaults_ExplicitZerosKept(t *testing.T) {
	p := &Producer{cfg: DefaultProducerConfig()}

	s := &models.JobSubmission{
		WorkflowID: "wf",
		Priority:   models.Int(0),
		MaxRetries: models.Int(0),
	}
	p.applyDefaults(s)
	assert.Equal(t, 0, *s.Priority, "lowest priority is not a missing value")
	assert.Equal(t, 0, *s.MaxRetries, "no-retry jobs stay no-retry")
}
