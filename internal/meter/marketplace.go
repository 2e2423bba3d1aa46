// Package meter implements the transports that report usage to a metering
// service.
package meter

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/marketplacemetering"
	"github.com/aws/smithy-go"
	"github.com/crosslogic/metering-agent/internal/billing"
	"go.uber.org/zap"
)

// MarketplaceAPI is the subset of *marketplacemetering.Client used here.
type MarketplaceAPI interface {
	MeterUsage(ctx context.Context, params *marketplacemetering.MeterUsageInput, optFns ...func(*marketplacemetering.Options)) (*marketplacemetering.MeterUsageOutput, error)
}

// Marketplace reports usage to the AWS Marketplace Metering Service. Dry runs
// use the service's native DryRun flag.
type Marketplace struct {
	api         MarketplaceAPI
	productCode string
	logger      *zap.Logger
}

var _ billing.Submitter = (*Marketplace)(nil)

// NewMarketplace creates a Marketplace submitter for productCode.
func NewMarketplace(api MarketplaceAPI, productCode string, logger *zap.Logger) *Marketplace {
	return &Marketplace{api: api, productCode: productCode, logger: logger}
}

func (m *Marketplace) Submit(ctx context.Context, usage billing.Usage, validateOnly bool) (string, error) {
	if usage.Quantity > math.MaxInt32 || usage.Quantity < 0 {
		return "", fmt.Errorf("quantity %d for %s is out of range for the metering service", usage.Quantity, usage.Dimension)
	}

	out, err := m.api.MeterUsage(ctx, &marketplacemetering.MeterUsageInput{
		ProductCode:    aws.String(m.productCode),
		Timestamp:      aws.Time(usage.Timestamp),
		UsageDimension: aws.String(usage.Dimension),
		UsageQuantity:  aws.Int32(int32(usage.Quantity)),
		DryRun:         aws.Bool(validateOnly),
	})
	if err != nil {
		return "", marketplaceError(err)
	}

	id := aws.ToString(out.MeteringRecordId)
	m.logger.Debug("meter usage accepted",
		zap.String("dimension", usage.Dimension),
		zap.Int64("quantity", usage.Quantity),
		zap.Bool("dry_run", validateOnly),
		zap.String("record_id", id),
	)
	return id, nil
}

// marketplaceError turns service-side failures into billing.ServiceError and
// leaves transport failures untouched.
func marketplaceError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &billing.ServiceError{
			Code:    apiErr.ErrorCode(),
			Message: apiErr.ErrorMessage(),
			Err:     err,
		}
	}
	return err
}
