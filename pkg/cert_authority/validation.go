package cert_authority

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

func ValidateGenerateSigningRequestRequest(req GenerateSigningRequestRequest) error {
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.AnalyzerID, validation.Required),
		validation.Field(&req.Key, validation.NotNil),
		validation.Field(&req.Permission, validPermission),
	); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}

	return nil
}

func ValidateSignCertificateRequestRequest(req SignCertificateRequestRequest) error {
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.CertificateRequest, validation.Required),
		validation.Field(&req.CACert, validation.NotNil),
		validation.Field(&req.CAKey, validation.NotNil),
		validation.Field(&req.LifetimeDays, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}

	return nil
}

func ValidateGenerateSelfSignedCARequest(req GenerateSelfSignedCARequest) error {
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.AnalyzerID, validation.Required),
		validation.Field(&req.Key, validation.NotNil),
		validation.Field(&req.LifetimeDays, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}

	return nil
}
