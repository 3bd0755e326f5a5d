package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/docflow/pkg/types"
)

func sampleReport() types.MatchReport {
	return types.MatchReport{
		Status:          types.MatchPartial,
		MatchPercentage: 62.5,
		TotalChecks:     8,
		HeaderMatches:   []types.HeaderMatch{{Field: "PO Number", Value: "PO-77"}},
		HeaderDiscrepancies: []types.HeaderDiscrepancy{
			{Field: "Total Amount", InvoiceValue: "$253.00", POValue: "$900.00"},
		},
		ItemMatches: []types.ItemMatch{{Name: "Widget", Quantity: "10", UnitPrice: "5.00"}},
		ItemDiscrepancies: []types.ItemDiscrepancy{
			{Name: "Gadget", Reason: types.ReasonValueMismatch, Differences: []types.FieldDifference{{Field: "quantity", Invoice: "3", Other: "2"}}},
			{Name: "Bolt", Reason: types.ReasonNotInPO},
		},
		GRNDiscrepancies: []types.ItemDiscrepancy{{Name: "Widget", Reason: types.ReasonNotInGRN}},
		Documents: types.MatchDocuments{
			Invoice: types.ExtractedRecord{Kind: types.DocInvoice, Reference: "INV-1001"},
		},
	}
}

func TestWrite_Sheets(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleReport()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetSummary, SheetHeader, SheetItems, SheetGRN}, f.GetSheetList())

	rows, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	assert.Equal(t, []string{"Status", "partial_match"}, rows[1])
	assert.Equal(t, []string{"Match %", "62.5"}, rows[2])
	assert.Equal(t, []string{"Invoice", "INV-1001"}, rows[8])

	rows, err = f.GetRows(SheetHeader)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Total Amount", "mismatch", "$253.00", "$900.00"}, rows[2])

	rows, err = f.GetRows(SheetItems)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Gadget", "value_mismatch", "", "", "quantity: 3 vs 2"}, rows[2])
	assert.Equal(t, []string{"Bolt", "not_in_po"}, rows[3])

	rows, err = f.GetRows(SheetGRN)
	require.NoError(t, err)
	assert.Equal(t, "Differences vs GRN", rows[0][4])
	assert.Equal(t, []string{"Widget", "not_in_grn"}, rows[1])
}
