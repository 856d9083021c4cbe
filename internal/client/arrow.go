package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/coerce"
	"github.com/23skdu/longbow-quiver/internal/device"
)

// Column and metadata names of the loss batch wire format.
//
// A loss batch carries prediction, target and (optionally) weight as float32 columns
// already broadcast to a common shape. The leading dimension is the row count; the
// trailing dimensions are stored in the schema metadata under MetadataShape, and rows
// with trailing dimensions are fixed-size lists.
const (
	ColumnPrediction = "prediction"
	ColumnTarget     = "target"
	ColumnWeight     = "weight"
	ColumnLoss       = "loss"
	ColumnElements   = "elements"

	MetadataShape = "shape"

	// DescriptorPath names the weighted smooth-L1 exchange on the Flight service.
	DescriptorPath = "weighted_smooth_l1"
)

// LossBatch is one weighted smooth-L1 evaluation. Weights may be nil.
type LossBatch struct {
	Prediction device.Tensor
	Target     device.Tensor
	Weights    device.Tensor
}

// LossResult is the reduced loss of one LossBatch.
type LossResult struct {
	Loss     float32
	Elements int64
}

// ResultSchema is the schema of loss result batches.
var ResultSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColumnLoss, Type: arrow.PrimitiveTypes.Float32},
		{Name: ColumnElements, Type: arrow.PrimitiveTypes.Int64},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches for loss batches and results.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// rowLayout splits a shape into a row count and the per-row trailing shape.
// A scalar travels as a single row.
func rowLayout(shape device.Shape) (int, device.Shape) {
	if len(shape) == 0 {
		return 1, device.Shape{}
	}
	return shape[0], shape[1:]
}

func columnType(trailing device.Shape) arrow.DataType {
	if len(trailing) == 0 {
		return arrow.PrimitiveTypes.Float32
	}
	return arrow.FixedSizeListOf(int32(trailing.NumElements()), arrow.PrimitiveTypes.Float32)
}

// LossSchema returns the schema of loss batches whose rows have the given trailing shape.
func LossSchema(trailing device.Shape, weighted bool) *arrow.Schema {
	typ := columnType(trailing)
	fields := []arrow.Field{
		{Name: ColumnPrediction, Type: typ},
		{Name: ColumnTarget, Type: typ},
	}
	if weighted {
		fields = append(fields, arrow.Field{Name: ColumnWeight, Type: typ})
	}
	md := arrow.NewMetadata([]string{MetadataShape}, []string{trailing.String()})
	return arrow.NewSchema(fields, &md)
}

// BuildLossBatch broadcasts the tensors of lb to their common shape and encodes them.
// It returns an error wrapping device.ErrShapeMismatch when they are not broadcastable.
func (b *RecordBatchBuilder) BuildLossBatch(lb LossBatch) (arrow.RecordBatch, error) {
	tensors := []device.Tensor{lb.Prediction, lb.Target}
	if lb.Weights != nil {
		tensors = append(tensors, lb.Weights)
	}
	shapes := make([]device.Shape, len(tensors))
	for i, t := range tensors {
		shapes[i] = t.Shape()
	}
	shape, err := device.BroadcastShapes(shapes...)
	if err != nil {
		return nil, err
	}

	rows, trailing := rowLayout(shape)
	schema := LossSchema(trailing, lb.Weights != nil)

	cols := make([]arrow.Array, len(tensors))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i, t := range tensors {
		data, err := device.BroadcastTo(t, shape)
		if err != nil {
			return nil, err
		}
		cols[i] = b.buildColumn(data, rows, trailing)
	}

	return array.NewRecordBatch(schema, cols, int64(rows)), nil
}

func (b *RecordBatchBuilder) buildColumn(data []float32, rows int, trailing device.Shape) arrow.Array {
	if len(trailing) == 0 {
		fb := array.NewFloat32Builder(b.mem)
		defer fb.Release()
		fb.AppendValues(data, nil)
		return fb.NewArray()
	}

	listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(trailing.NumElements()), arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	for i := 0; i < rows; i++ {
		listBuilder.Append(true)
	}
	valueBuilder.AppendValues(data, nil)
	return listBuilder.NewArray()
}

// BuildLossResult encodes one loss result.
func (b *RecordBatchBuilder) BuildLossResult(res LossResult) arrow.RecordBatch {
	lb := array.NewFloat32Builder(b.mem)
	defer lb.Release()
	lb.Append(res.Loss)
	lossArr := lb.NewArray()
	defer lossArr.Release()

	eb := array.NewInt64Builder(b.mem)
	defer eb.Release()
	eb.Append(res.Elements)
	elemArr := eb.NewArray()
	defer elemArr.Release()

	return array.NewRecordBatch(ResultSchema, []arrow.Array{lossArr, elemArr}, 1)
}

// ReadLossBatch decodes a loss batch into Float32 tensors on backend.
// Decoding errors wrap coerce.ErrShapeOrType.
func ReadLossBatch(rec arrow.RecordBatch, backend device.Backend) (LossBatch, error) {
	var lb LossBatch

	trailing := device.Shape{}
	md := rec.Schema().Metadata()
	if idx := md.FindKey(MetadataShape); idx >= 0 {
		var err error
		if trailing, err = device.ParseShape(md.Values()[idx]); err != nil {
			return lb, fmt.Errorf("%w: %v", coerce.ErrShapeOrType, err)
		}
	}
	shape := append(device.Shape{int(rec.NumRows())}, trailing...)

	column := func(name string, required bool) (device.Tensor, error) {
		indices := rec.Schema().FieldIndices(name)
		if len(indices) == 0 {
			if required {
				return nil, fmt.Errorf("%w: missing column %q", coerce.ErrShapeOrType, name)
			}
			return nil, nil
		}
		data, err := columnValues(rec.Column(indices[0]), trailing.NumElements())
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		if len(data) != shape.NumElements() {
			return nil, fmt.Errorf("%w: column %q has %d values for shape %v",
				coerce.ErrShapeOrType, name, len(data), shape)
		}
		return device.Wrap(backend, shape, data), nil
	}

	var err error
	if lb.Prediction, err = column(ColumnPrediction, true); err != nil {
		return lb, err
	}
	if lb.Target, err = column(ColumnTarget, true); err != nil {
		return lb, err
	}
	if lb.Weights, err = column(ColumnWeight, false); err != nil {
		return lb, err
	}
	return lb, nil
}

func columnValues(col arrow.Array, rowSize int) ([]float32, error) {
	fsl, ok := col.(*array.FixedSizeList)
	if !ok {
		_, data, err := coerce.Flatten(col)
		return data, err
	}
	if width := fsl.DataType().(*arrow.FixedSizeListType).Len(); int(width) != rowSize {
		return nil, fmt.Errorf("%w: fixed-size list width %d does not match row size %d", coerce.ErrShapeOrType, width, rowSize)
	}
	if fsl.NullN() > 0 {
		return nil, fmt.Errorf("%w: %d null rows", coerce.ErrShapeOrType, fsl.NullN())
	}
	_, values, err := coerce.Flatten(fsl.ListValues())
	if err != nil {
		return nil, err
	}
	start := fsl.Offset() * rowSize
	end := start + fsl.Len()*rowSize
	if end > len(values) {
		return nil, fmt.Errorf("%w: fixed-size list truncated", coerce.ErrShapeOrType)
	}
	return values[start:end], nil
}

// ReadLossResult decodes a loss result batch.
func ReadLossResult(rec arrow.RecordBatch) (LossResult, error) {
	if rec.NumRows() != 1 {
		return LossResult{}, fmt.Errorf("loss result has %d rows, want 1", rec.NumRows())
	}
	lossIdx := rec.Schema().FieldIndices(ColumnLoss)
	elemIdx := rec.Schema().FieldIndices(ColumnElements)
	if len(lossIdx) == 0 || len(elemIdx) == 0 {
		return LossResult{}, fmt.Errorf("loss result is missing %q or %q", ColumnLoss, ColumnElements)
	}
	lossArr, ok1 := rec.Column(lossIdx[0]).(*array.Float32)
	elemArr, ok2 := rec.Column(elemIdx[0]).(*array.Int64)
	if !ok1 || !ok2 {
		return LossResult{}, fmt.Errorf("loss result has unexpected column types %s, %s",
			rec.Column(lossIdx[0]).DataType(), rec.Column(elemIdx[0]).DataType())
	}
	return LossResult{Loss: lossArr.Value(0), Elements: elemArr.Value(0)}, nil
}
