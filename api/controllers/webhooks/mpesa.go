package webhooks

import (
	"io"
	"net/http"

	"github.com/mtaani/commerce-backend/api/responses"
	"github.com/mtaani/commerce-backend/internal/payments"
	pkgerrors "github.com/mtaani/commerce-backend/pkg/errors"
	"github.com/mtaani/commerce-backend/pkg/logger"
)

const maxCallbackBodyBytes = 64 << 10

// MpesaCallback receives the asynchronous STK push result. The provider
// retries on anything but a 200, so a payment that is already settled still
// acknowledges cleanly; malformed bodies get a 400 and unknown checkout
// references a 404.
func MpesaCallback(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read callback body"))
			return
		}

		payment, err := svc.HandleCallback(ctx, body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logg.Info(logg.WithPaymentID(ctx, payment.ID.String()), "provider callback processed")
		}
		responses.WriteSuccess(w, map[string]any{
			"ResultCode": 0,
			"ResultDesc": "Callback received successfully",
		})
	}
}
