package config

import (
	"github.com/polisai/polis-flow/internal/governance"
	"github.com/polisai/polis-flow/pkg/domain"
)

// ToDomain converts the step defaults into pipeline defaults.
func (d DefaultsConfig) ToDomain() domain.PipelineDefaults {
	maxMS := int(d.MaxRetryDelay.Milliseconds())
	if maxMS == 0 {
		maxMS = int(d.RetryDelay.Milliseconds())
	}
	return domain.PipelineDefaults{
		TimeoutMS: int(d.StepTimeout.Milliseconds()),
		Retries: domain.PipelineRetryConfig{
			MaxAttempts: d.Retries + 1,
			Backoff:     d.Backoff,
			BaseMS:      int(d.RetryDelay.Milliseconds()),
			MaxMS:       maxMS,
		},
	}
}

// TimeoutConfig returns the governance timeouts for runs.
func (d DefaultsConfig) TimeoutConfig() governance.TimeoutConfig {
	return governance.TimeoutConfig{
		StepTimeout: d.StepTimeout,
		RunTimeout:  d.RunTimeout,
	}
}

// ToDomain converts AlertingConfig to domain.AlertPolicy.
func (a AlertingConfig) ToDomain() domain.AlertPolicy {
	return domain.AlertPolicy{
		Emails:    append([]string(nil), a.Email...),
		OnFailure: a.EmailOnFailure,
		OnRetry:   a.EmailOnRetry,
	}
}
