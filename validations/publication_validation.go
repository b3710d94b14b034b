package validations

import (
	"context"
	"fmt"
	"time"

	domainPublication "github.com/AzielCF/az-publisher/domains/publication"
	domainQueue "github.com/AzielCF/az-publisher/domains/queue"
	domainRecovery "github.com/AzielCF/az-publisher/domains/recovery"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const maxAttemptsCeiling = 20

var priorities = []interface{}{
	domainQueue.PriorityLow, domainQueue.PriorityNormal, domainQueue.PriorityHigh, domainQueue.PriorityUrgent,
}

// ValidatePublish checks a publish request against the configured platforms.
func ValidatePublish(ctx context.Context, request domainPublication.Request, known []string) error {
	allowed := make([]interface{}, len(known))
	for i, p := range known {
		allowed[i] = p
	}
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.ContentRef, validation.Required, validation.Length(1, 2048)),
		validation.Field(&request.Topic, validation.Length(0, 512)),
		validation.Field(&request.Platforms,
			validation.Required,
			validation.Each(validation.Required, validation.In(allowed...).Error("unknown platform")),
			validation.By(noDuplicates),
		),
		validation.Field(&request.Priority, validation.In(priorities...)),
		validation.Field(&request.MaxAttempts, validation.Min(0), validation.Max(maxAttemptsCeiling)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	for platform := range request.Accounts {
		if !contains(request.Platforms, platform) {
			return pkgError.ValidationError(fmt.Sprintf("accounts: %s is not a requested platform", platform))
		}
	}
	return nil
}

// ValidateReschedule requires a schedule time that is set.
func ValidateReschedule(ctx context.Context, request domainPublication.RescheduleRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.ScheduleAt, validation.Required, validation.Min(time.Unix(0, 0))),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

// ValidateTrigger checks the shape of a manual recovery trigger.
func ValidateTrigger(ctx context.Context, request domainRecovery.TriggerRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Action, validation.Required, validation.In(
			domainRecovery.TriggerResetBreaker,
			domainRecovery.TriggerForceOpen,
			domainRecovery.TriggerProbe,
			domainRecovery.TriggerRefreshSession,
			domainRecovery.TriggerRetryIncident,
			domainRecovery.TriggerResolve,
		)),
		validation.Field(&request.Platform, validation.Required),
		validation.Field(&request.IncidentID, validation.When(
			request.Action == domainRecovery.TriggerRetryIncident || request.Action == domainRecovery.TriggerResolve,
			validation.Required,
		)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

func noDuplicates(value interface{}) error {
	list, _ := value.([]string)
	seen := make(map[string]bool, len(list))
	for _, p := range list {
		if seen[p] {
			return fmt.Errorf("duplicate platform %s", p)
		}
		seen[p] = true
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
