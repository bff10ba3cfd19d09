package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"umspos/backend/internal/domain"
)

// FormatCents renders cents as a plain decimal amount, e.g. 123456 -> 1234.56.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func WriteSalesCSV(w io.Writer, batches []domain.SaleBatch) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"batch_id", "sold_at", "sold_by", "agent_id", "recipient", "destination",
		"customer_type", "customer_county", "customer_contact", "meter_type", "qty", "total",
	}); err != nil {
		return err
	}

	for _, b := range batches {
		for _, line := range b.Lines {
			if err := cw.Write([]string{
				b.ID,
				b.SoldAt.UTC().Format(time.RFC3339),
				b.SoldBy,
				b.AgentID,
				b.Recipient,
				b.Destination,
				b.CustomerType,
				b.CustomerCounty,
				b.CustomerContact,
				string(line.Type),
				strconv.Itoa(line.Qty),
				FormatCents(line.TotalCents),
			}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteMetersCSV(w io.Writer, rows []domain.MeterExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"serial", "type", "state", "agent", "batch_id", "recipient", "customer_type", "sold_at", "added_at",
	}); err != nil {
		return err
	}

	for _, r := range rows {
		soldAt := ""
		if r.SoldAt != nil {
			soldAt = r.SoldAt.UTC().Format(time.RFC3339)
		}
		if err := cw.Write([]string{
			r.Serial,
			string(r.Type),
			string(r.State),
			r.AgentName,
			r.BatchID,
			r.Recipient,
			r.CustomerType,
			soldAt,
			r.AddedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
