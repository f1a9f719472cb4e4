package registration

import (
	"context"

	"github.com/openebl/idsreg/pkg/cert_authority"
)

// Confirmer decides whether a registration request gets signed. Returning false
// rejects the request; an error aborts the connection.
type Confirmer interface {
	Confirm(ctx context.Context, req cert_authority.SigningRequest) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req cert_authority.SigningRequest) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, req cert_authority.SigningRequest) (bool, error) {
	return f(ctx, req)
}

// AutoConfirm accepts every authenticated request.
var AutoConfirm Confirmer = ConfirmFunc(func(context.Context, cert_authority.SigningRequest) (bool, error) {
	return true, nil
})
