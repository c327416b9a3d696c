package review

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/xuri/excelize/v2"
)

// Sheet names of the review workbook.
const (
	SheetInvalidIdentities     = "invalid-identities"
	SheetCollisions            = "collisions"
	SheetWrongMemberActivities = "wrong-member-activities"
)

var sheetHeaders = map[string][]string{
	SheetInvalidIdentities:     {"Tenant ID", "Organization ID", "Platform", "Type", "Verified", "Value", "New Value", "Reason"},
	SheetCollisions:            {"Tenant ID", "Organization ID", "Platform", "Type", "Verified", "Value", "New Value", "Reason", "Other Organization ID"},
	SheetWrongMemberActivities: {"Tenant ID", "Member ID", "Owner Member ID", "Platform", "Username"},
}

var sheetOrder = []string{SheetInvalidIdentities, SheetCollisions, SheetWrongMemberActivities}

// WorkbookSink buffers records in memory and writes an xlsx workbook on Close.
type WorkbookSink struct {
	path string

	mu     sync.Mutex
	rows   map[string][][]any
	closed bool
}

// NewWorkbookSink creates a sink saving to path.
func NewWorkbookSink(path string) *WorkbookSink {
	return &WorkbookSink{
		path: path,
		rows: map[string][][]any{},
	}
}

func (s *WorkbookSink) append(sheet string, row []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("review workbook %s already closed", s.path)
	}
	s.rows[sheet] = append(s.rows[sheet], row)
	return nil
}

func identityRow(r IdentityRecord) []any {
	return []any{r.TenantID, r.OrganizationID, r.Platform, r.Type, strconv.FormatBool(r.Verified), r.Value, r.NewValue, r.Reason}
}

func (s *WorkbookSink) InvalidIdentity(_ context.Context, r IdentityRecord) error {
	return s.append(SheetInvalidIdentities, identityRow(r))
}

func (s *WorkbookSink) Collision(_ context.Context, r CollisionRecord) error {
	return s.append(SheetCollisions, append(identityRow(r.IdentityRecord), r.OtherOrganizationID))
}

func (s *WorkbookSink) WrongMember(_ context.Context, r WrongMemberRecord) error {
	return s.append(SheetWrongMemberActivities, []any{r.TenantID, r.MemberID, r.OwnerMemberID, r.Platform, r.Username})
}

// Close writes the workbook. Later calls are no-ops.
func (s *WorkbookSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for i, sheet := range sheetOrder {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
		}

		if err := writeRow(f, sheet, 1, toAny(sheetHeaders[sheet])); err != nil {
			return err
		}
		last, err := excelize.CoordinatesToCellName(len(sheetHeaders[sheet]), 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		if err := f.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			return fmt.Errorf("failed to freeze panes: %w", err)
		}

		for n, row := range s.rows[sheet] {
			if err := writeRow(f, sheet, n+2, row); err != nil {
				return err
			}
		}
	}

	if err := f.SaveAs(s.path); err != nil {
		return fmt.Errorf("failed to save review workbook %s: %w", s.path, err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d of %s: %w", row, sheet, err)
	}
	return nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
