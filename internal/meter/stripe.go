package meter

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// StripeConfig configures the Stripe submitter.
type StripeConfig struct {
	SecretKey string
	// APIURL overrides the Stripe API base URL; empty means the default.
	APIURL string
	// SubscriptionItems maps a dimension name to a metered subscription item.
	SubscriptionItems map[string]string
}

// Stripe reports usage as metered usage records. A dry run reads the
// subscription item, which proves the key and the mapping without writing.
type Stripe struct {
	api    *client.API
	items  map[string]string
	logger *zap.Logger
}

var _ billing.Submitter = (*Stripe)(nil)

// NewStripe creates a Stripe submitter. Network retries are left to the next
// flush cycle.
func NewStripe(cfg StripeConfig, logger *zap.Logger) *Stripe {
	backendConfig := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Sugar(),
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	items := make(map[string]string, len(cfg.SubscriptionItems))
	for k, v := range cfg.SubscriptionItems {
		items[k] = v
	}
	return &Stripe{api: api, items: items, logger: logger}
}

func (s *Stripe) Submit(ctx context.Context, usage billing.Usage, validateOnly bool) (string, error) {
	item, ok := s.items[usage.Dimension]
	if !ok {
		return "", &billing.ServiceError{
			Code:    "InvalidUsageDimension",
			Message: fmt.Sprintf("no subscription item configured for %s", usage.Dimension),
		}
	}

	if validateOnly {
		si, err := s.api.SubscriptionItems.Get(item, &stripe.SubscriptionItemParams{
			Params: stripe.Params{Context: ctx},
		})
		if err != nil {
			return "", stripeError(err)
		}
		return si.ID, nil
	}

	record, err := s.api.UsageRecords.New(&stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		SubscriptionItem: stripe.String(item),
		Quantity:         stripe.Int64(usage.Quantity),
		Timestamp:        stripe.Int64(usage.Timestamp.Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	})
	if err != nil {
		return "", stripeError(err)
	}

	s.logger.Debug("usage record created",
		zap.String("dimension", usage.Dimension),
		zap.String("subscription_item", item),
		zap.Int64("quantity", usage.Quantity),
		zap.String("record_id", record.ID),
	)
	return record.ID, nil
}

func stripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := string(stripeErr.Code)
		if code == "" {
			code = string(stripeErr.Type)
		}
		return &billing.ServiceError{
			Code:    code,
			Message: stripeErr.Msg,
			Err:     err,
		}
	}
	return err
}
