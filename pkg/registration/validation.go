package registration

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/openebl/idsreg/pkg/model"
)

var validPermission = validation.By(func(value interface{}) error {
	if perm, _ := value.(model.Permission); !perm.Valid() {
		return fmt.Errorf("unknown permission bits 0x%x", uint32(perm))
	}
	return nil
})

func ValidateRegisterRequest(req RegisterRequest) error {
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.Profile, validation.NotNil),
		validation.Field(&req.ManagerAddress, validation.Required),
		validation.Field(&req.Permission, validPermission),
		validation.Field(&req.Password, validation.Required),
	); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}

	return nil
}

func ValidateHandler(h *Handler) error {
	if err := (validation.Errors{
		"profile":           validation.Validate(h.profile, validation.NotNil),
		"ca_key":            validation.Validate(h.caKey, validation.NotNil),
		"ca_cert":           validation.Validate(h.caCert, validation.NotNil),
		"password":          validation.Validate(h.password, validation.Required),
		"confirmer":         validation.Validate(h.confirmer, validation.NotNil),
		"cert_authority":    validation.Validate(h.ca, validation.NotNil),
		"lifetime_days":     validation.Validate(h.lifetimeDays, validation.Min(0)),
		"handshake_timeout": validation.Validate(h.handshakeTimeout, validation.Min(0)),
	}).Filter(); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}

	return nil
}
