// Package validate checks task metadata before it is accepted into the
// queue and again on dispatch. shared/modules/utils/validation.go
// hand-rolls its email/phone checks with regexp; here the same
// checkout fields are instead validated with struct tags via
// go-playground/validator/v10.
package validate

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/purpleskulll/arcamatrix/internal/model"
)

var v = validator.New()

// ProvisionRequest is the checkout payload accepted for a
// provisioning task.
type ProvisionRequest struct {
	CustomerEmail string   `validate:"required,email"`
	CustomerName  string   `validate:"required"`
	Username      string   `validate:"required,alphanum,min=3,max=32"`
	Password      string   `validate:"required,min=8"`
	Skills        []string `validate:"omitempty,dive,required"`
}

// Provision validates a checkout payload and returns it as task
// metadata on success.
func Provision(req ProvisionRequest) (model.TaskMetadata, error) {
	if err := v.Struct(req); err != nil {
		return model.TaskMetadata{}, fmt.Errorf("invalid provisioning request: %w", err)
	}
	return model.TaskMetadata{
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		Username:      req.Username,
		Password:      req.Password,
		Skills:        req.Skills,
	}, nil
}

// RecycleRequest is the payload accepted for a recycle task.
type RecycleRequest struct {
	Username string `validate:"required,alphanum,min=3,max=32"`
}

// Recycle validates a recycle request.
func Recycle(req RecycleRequest) (model.TaskMetadata, error) {
	if err := v.Struct(req); err != nil {
		return model.TaskMetadata{}, fmt.Errorf("invalid recycle request: %w", err)
	}
	return model.TaskMetadata{Username: req.Username}, nil
}

// Metadata re-validates a task's stored metadata against the same
// rules its originating request was built from, so a record that was
// hand-edited or corrupted on disk between enqueue and dispatch is
// caught before a handler runs it.
func Metadata(kind model.TaskType, meta model.TaskMetadata) error {
	switch kind {
	case model.TaskProvisioning:
		req := ProvisionRequest{
			CustomerEmail: meta.CustomerEmail,
			CustomerName:  meta.CustomerName,
			Username:      meta.Username,
			Password:      meta.Password,
			Skills:        meta.Skills,
		}
		if err := v.Struct(req); err != nil {
			return fmt.Errorf("invalid provisioning task metadata: %w", err)
		}
		return nil
	case model.TaskRecycle:
		req := RecycleRequest{Username: meta.Username}
		if err := v.Struct(req); err != nil {
			return fmt.Errorf("invalid recycle task metadata: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
}
