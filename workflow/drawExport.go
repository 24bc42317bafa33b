package workflow

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/mmdatafocus/invoices_backend/models"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	drawSheetInvoices  = "Invoices"
	drawSheetCostCodes = "Cost Codes"
)

// ExportDraw renders the draw as a workbook: one sheet of member invoices and
// one of allocated amounts per cost code.
func (d *DrawService) ExportDraw(ctx context.Context, id int) ([]byte, error) {
	detail, err := d.GetDraw(ctx, id)
	if err != nil {
		return nil, err
	}
	invoiceIds := make([]int, 0, len(detail.Invoices))
	for _, inv := range detail.Invoices {
		invoiceIds = append(invoiceIds, inv.ID)
	}
	var allocs []models.Allocation
	if len(invoiceIds) > 0 {
		if err := d.DB.WithContext(ctx).Where("invoice_id IN ?", invoiceIds).Order("id ASC").Find(&allocs).Error; err != nil {
			return nil, err
		}
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", drawSheetInvoices); err != nil {
		return nil, err
	}
	headings := []interface{}{"Invoice", "Vendor", "Invoice Date", "Status", "Amount", "Paid To Vendor"}
	if err := f.SetSheetRow(drawSheetInvoices, "A1", &headings); err != nil {
		return nil, err
	}
	total := decimal.Zero
	row := 2
	for _, inv := range detail.Invoices {
		date := ""
		if inv.InvoiceDate != nil {
			date = inv.InvoiceDate.Format("2006-01-02")
		}
		amount, _ := inv.Amount.Round(2).Float64()
		values := []interface{}{inv.InvoiceNumber, utils.DereferencePtr(inv.VendorId, 0), date, string(inv.Status), amount, inv.PaidToVendor}
		if err := f.SetSheetRow(drawSheetInvoices, fmt.Sprintf("A%d", row), &values); err != nil {
			return nil, err
		}
		total = total.Add(inv.Amount)
		row++
	}
	totalValue, _ := total.Round(2).Float64()
	if err := f.SetSheetRow(drawSheetInvoices, fmt.Sprintf("A%d", row+1), &[]interface{}{"Total", "", "", "", totalValue}); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(drawSheetCostCodes); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(drawSheetCostCodes, "A1", &[]interface{}{"Cost Code", "Allocated"}); err != nil {
		return nil, err
	}
	byCode := map[int]decimal.Decimal{}
	for _, a := range allocs {
		byCode[a.CostCodeId] = byCode[a.CostCodeId].Add(a.Amount)
	}
	codes := make([]int, 0, len(byCode))
	for c := range byCode {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	for i, c := range codes {
		v, _ := byCode[c].Round(2).Float64()
		if err := f.SetSheetRow(drawSheetCostCodes, fmt.Sprintf("A%d", i+2), &[]interface{}{c, v}); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
