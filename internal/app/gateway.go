package app

import (
	"context"

	"github.com/chamapay/chama-service/pkg/mpesa"
)

// PaymentGateway is the slice of the M-Pesa client the service depends on.
// Both the live client and the sandbox implement it, and tests substitute
// stubs to drive synchronous-failure paths.
type PaymentGateway interface {
	InitiateCollection(ctx context.Context, req mpesa.CollectionRequest) (*mpesa.CollectionResponse, error)
	InitiateDisbursement(ctx context.Context, req mpesa.DisbursementRequest) (*mpesa.DisbursementResponse, error)
}
