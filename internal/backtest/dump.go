package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"autotrade/internal/store"
)

// DumpBars writes a cursor's bars as csv in the same layout LoadBars
// reads back, so any backtest range can be exported as a fixture.
func DumpBars(w io.Writer, cur store.Cursor) error {
	defer cur.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return fmt.Errorf("failed to write bars dump csv header: %w", err)
	}

	for b, ok := cur.Next(); ok; b, ok = cur.Next() {
		err := cw.Write([]string{
			strconv.FormatInt(b.Start.Unix(), 10),
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			b.Volume.String()})
		if err != nil {
			return fmt.Errorf("failed to dump bar: %w", err)
		}
	}

	if err := cur.Err(); err != nil {
		return fmt.Errorf("failed to read bars for dump: %w", err)
	}

	cw.Flush()
	return cw.Error()
}
