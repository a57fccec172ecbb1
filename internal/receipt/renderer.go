package receipt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"github.com/smallbiznis/minutely/pkg/units"
)

// Data is everything printed on a lease receipt.
type Data struct {
	Service  marketdomain.Service
	PayLog   marketdomain.PayLog
	Closure  *marketdomain.UsageHistoryLog
	Refunds  []marketdomain.Refund
	Currency string
	Decimals int
	IssuedAt time.Time
}

type Renderer interface {
	Render(ctx context.Context, data Data) ([]byte, error)
}

type PDFRenderer struct{}

func NewPDFRenderer() Renderer {
	return &PDFRenderer{}
}

func (r *PDFRenderer) Render(ctx context.Context, data Data) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)
	amount := func(v int64) string {
		return strings.TrimSpace(units.FormatMantissa(v, data.Decimals) + " " + data.Currency)
	}

	m.AddRow(20,
		text.NewCol(8, "Lease receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "Issued "+data.IssuedAt.UTC().Format(time.RFC3339), props.Text{
			Size:  8,
			Align: align.Right,
		}),
	)

	m.AddRow(30,
		col.New(6).Add(
			text.New("Lease: "+data.PayLog.ID, props.Text{Top: 0}),
			text.New("Service: "+data.Service.ID, props.Text{Top: 5}),
			text.New("Opened: "+nanosToRFC3339(data.PayLog.CreatedAt), props.Text{Top: 10}),
			text.New("Due: "+nanosToRFC3339(data.PayLog.DueTime), props.Text{Top: 15}),
		),
		col.New(6).Add(
			text.New("Provider", props.Text{Style: fontstyle.Bold}),
			text.New(data.Service.ProviderAddress, props.Text{Top: 5}),
			text.New("Consumer", props.Text{Style: fontstyle.Bold, Top: 12}),
			text.New(data.PayLog.ConsumerAddress, props.Text{Top: 17}),
		),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Minutes", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Per minute", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		text.NewCol(6, "Prepaid minutes", props.Text{Size: 9}),
		text.NewCol(2, fmt.Sprintf("%d", data.PayLog.PaidMinutes), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, amount(data.Service.PricePerMinute), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, amount(data.Service.PricePerMinute*data.PayLog.PaidMinutes), props.Text{Size: 9, Align: align.Right}),
	)
	if data.Closure != nil {
		m.AddRow(10,
			text.NewCol(6, "Minutes used", props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("%d", data.Closure.UsageMinutes), props.Text{Size: 9, Align: align.Right}),
			col.New(4),
		)
	}
	for _, refund := range data.Refunds {
		m.AddRow(10,
			text.NewCol(8, refundLabel(refund), props.Text{Size: 9}),
			col.New(2),
			text.NewCol(2, "-"+amount(refund.Amount), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(12,
		col.New(8),
		text.NewCol(2, "Held", props.Text{Size: 9, Style: fontstyle.Bold, Top: 2}),
		text.NewCol(2, amount(data.PayLog.PaidAmount), props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right, Top: 2}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func refundLabel(refund marketdomain.Refund) string {
	kind := "Unused time refund"
	if refund.Kind == marketdomain.RefundKindOverpayment {
		kind = "Overpayment refund"
	}
	label := kind + " (" + string(refund.Status) + ")"
	if refund.FailureReason != "" {
		label += ": " + refund.FailureReason
	}
	return label
}

func nanosToRFC3339(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339)
}
