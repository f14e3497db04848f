package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/quillhr/approvalflow/internal/application/service"
	"github.com/quillhr/approvalflow/internal/domain/entity"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

const sheetName = "Pending Requests"

var baseHeaders = []string{"Request ID", "Domain", "Employee ID", "Department ID", "Submitted", "Stage", "Details"}

// QueueExporter renders an approver's pending queue as an xlsx workbook.
// Domain-specific columns come from the adapter's summary so the sheet stays
// readable without exposing raw payload JSON.
type QueueExporter struct {
	registry *service.Registry
	logger   *zap.Logger
}

// NewQueueExporter creates a queue exporter
func NewQueueExporter(registry *service.Registry, logger *zap.Logger) *QueueExporter {
	return &QueueExporter{
		registry: registry,
		logger:   logger,
	}
}

// WritePending writes the given requests to w as a single-sheet workbook
func (e *QueueExporter) WritePending(w io.Writer, stage workflow.Stage, reqs []*entity.ApprovalRequest) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName(f.GetSheetName(0), sheetName)

	for col, header := range baseHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to build header cell: %w", err)
		}
		e.setCell(f, cell, header)
	}

	for i, req := range reqs {
		row := i + 2
		values := []interface{}{
			req.ID,
			req.Domain,
			req.SubjectEmployeeID,
			req.DepartmentID,
			req.CreatedAt.Format(time.DateOnly),
			stage.String(),
			e.summarize(req),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return fmt.Errorf("failed to build cell: %w", err)
			}
			e.setCell(f, cell, v)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Info("Pending queue exported",
		zap.String("stage", stage.String()),
		zap.Int("rows", len(reqs)))
	return nil
}

// summarize renders the adapter's field summary as one cell. A request in an
// unregistered domain falls back to raw payload text rather than failing the
// whole export.
func (e *QueueExporter) summarize(req *entity.ApprovalRequest) string {
	adapter, err := e.registry.Get(req.Domain)
	if err != nil {
		return string(req.Payload)
	}

	fields := adapter.Summarize(req.Payload)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field.Label+": "+field.Value)
	}
	return strings.Join(parts, "; ")
}

func (e *QueueExporter) setCell(f *excelize.File, cell string, value interface{}) {
	if err := f.SetCellValue(sheetName, cell, value); err != nil {
		e.logger.Warn("Failed to set cell value",
			zap.String("cell", cell),
			zap.Error(err))
	}
}
