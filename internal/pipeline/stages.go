package pipeline

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var inputColumns = []string{
	"sale_id", "product_id", "customer_id", "campaign_id",
	"order_date", "sale_amount", "discount_applied", "delivery_fee",
}

var outputColumns = []string{
	"sale_id", "product_id", "customer_id", "campaign_id",
	"order_date", "order_year", "order_month", "order_day", "order_weekday",
	"sale_amount", "discount_applied", "delivery_fee", "net_amount",
}

// cleanStage decodes the raw CSV, normalizes field encodings, and drops
// malformed rows. In strict mode the first malformed row fails the payload.
type cleanStage struct {
	strict bool
}

func (s *cleanStage) Name() string { return "clean" }

func (s *cleanStage) Run(p *Payload) (*Payload, error) {
	raw := bytes.TrimPrefix(p.Raw, []byte{0xEF, 0xBB, 0xBF})

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, &StageError{Stage: s.Name(), Err: fmt.Errorf("read header: %w", err)}
	}
	cols, err := indexColumns(header)
	if err != nil {
		return nil, &StageError{Stage: s.Name(), Err: err}
	}

	out := &Payload{}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if s.strict {
				return nil, &StageError{Stage: s.Name(), Record: fmt.Sprint(row), Err: err}
			}
			out.Dropped++
			continue
		}

		rec, err := parseRecord(row, cols, len(header))
		if err != nil {
			if s.strict {
				return nil, &StageError{Stage: s.Name(), Record: strings.Join(row, ","), Err: err}
			}
			out.Dropped++
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func indexColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, want := range inputColumns {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("missing required column %q", want)
		}
	}
	return cols, nil
}

func parseRecord(row []string, cols map[string]int, width int) (Record, error) {
	if len(row) != width {
		return Record{}, fmt.Errorf("expected %d fields, got %d", width, len(row))
	}

	field := func(name string) string {
		return strings.TrimSpace(row[cols[name]])
	}

	rec := Record{
		SaleID:     field("sale_id"),
		ProductID:  field("product_id"),
		CustomerID: field("customer_id"),
		CampaignID: field("campaign_id"),
	}
	if rec.SaleID == "" {
		return Record{}, errors.New("empty sale_id")
	}

	date, err := time.Parse(dateLayout, field("order_date"))
	if err != nil {
		return Record{}, fmt.Errorf("invalid order_date: %w", err)
	}
	rec.OrderDate = date

	amounts := []struct {
		name string
		dst  *float64
	}{
		{"sale_amount", &rec.SaleAmount},
		{"discount_applied", &rec.DiscountApplied},
		{"delivery_fee", &rec.DeliveryFee},
	}
	for _, a := range amounts {
		v, err := strconv.ParseFloat(field(a.name), 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid %s: %w", a.name, err)
		}
		*a.dst = v
	}
	return rec, nil
}

// enrichStage augments records with derived fields: the net sale amount and
// the order-date decomposition used by downstream time-dimension consumers.
type enrichStage struct{}

func (s *enrichStage) Name() string { return "enrich" }

func (s *enrichStage) Run(p *Payload) (*Payload, error) {
	out := &Payload{Records: make([]Record, len(p.Records)), Dropped: p.Dropped}
	for i, rec := range p.Records {
		rec.NetAmount = round2(rec.SaleAmount - rec.DiscountApplied + rec.DeliveryFee)
		rec.OrderYear = rec.OrderDate.Year()
		rec.OrderMonth = int(rec.OrderDate.Month())
		rec.OrderDay = rec.OrderDate.Day()
		rec.OrderWeekday = rec.OrderDate.Weekday().String()
		out.Records[i] = rec
	}
	return out, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatStage serializes records to the target CSV schema with a fixed column
// order so identical inputs always yield byte-identical output.
type formatStage struct{}

func (s *formatStage) Name() string { return "format" }

func (s *formatStage) Run(p *Payload) (*Payload, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(outputColumns); err != nil {
		return nil, &StageError{Stage: s.Name(), Err: err}
	}
	for _, rec := range p.Records {
		row := []string{
			rec.SaleID,
			rec.ProductID,
			rec.CustomerID,
			rec.CampaignID,
			rec.OrderDate.Format(dateLayout),
			strconv.Itoa(rec.OrderYear),
			strconv.Itoa(rec.OrderMonth),
			strconv.Itoa(rec.OrderDay),
			rec.OrderWeekday,
			formatAmount(rec.SaleAmount),
			formatAmount(rec.DiscountApplied),
			formatAmount(rec.DeliveryFee),
			formatAmount(rec.NetAmount),
		}
		if err := w.Write(row); err != nil {
			return nil, &StageError{Stage: s.Name(), Record: rec.SaleID, Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, &StageError{Stage: s.Name(), Err: err}
	}

	return &Payload{Raw: buf.Bytes(), Records: p.Records, Dropped: p.Dropped}, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
