package api

import (
	"fmt"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/xuri/excelize/v2"
)

const syncLogSheet = "Sync Log"

var syncLogHeaders = []string{"Time (UTC)", "Direction", "Entity", "QuickBooks ID", "Bitrix24 ID", "Action", "Status", "Message"}

// SyncLogWorkbook renders sync log rows into a single-sheet workbook, newest first.
func SyncLogWorkbook(entries []models.SyncLogEntry) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(syncLogSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	header := make([]interface{}, len(syncLogHeaders))
	for i, h := range syncLogHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(syncLogSheet, "A1", &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("error writing header: %w", err)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	failedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})
	lastCol, _ := excelize.ColumnNumberToName(len(syncLogHeaders))
	_ = f.SetCellStyle(syncLogSheet, "A1", lastCol+"1", headerStyle)

	for i, e := range entries {
		row := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []interface{}{
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			e.Direction, e.EntityType, e.QBID, e.BitrixID, e.Action, e.Status, e.Message,
		}
		if err := f.SetSheetRow(syncLogSheet, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if e.Status == models.StatusFailed {
			_ = f.SetCellStyle(syncLogSheet, cell, fmt.Sprintf("%s%d", lastCol, row), failedStyle)
		}
	}

	_ = f.SetColWidth(syncLogSheet, "A", "A", 20)
	_ = f.SetColWidth(syncLogSheet, "B", "G", 16)
	_ = f.SetColWidth(syncLogSheet, "H", "H", 60)
	return f, nil
}
