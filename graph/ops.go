// ops.go - Operator-Typen des Graphen
// Enthaelt: Op-Konstanten und Klassifizierungs-Hilfsfunktionen
package graph

// Operator types. The set mirrors the ops the reference executor understands;
// loaders may add further types, passes treat unknown ops as opaque.
const (
	OpParameter    = "Parameter"
	OpConstant     = "Constant"
	OpMatMul       = "MatMul"
	OpConvolution  = "Convolution"
	OpAdd          = "Add"
	OpSubtract     = "Subtract"
	OpMultiply     = "Multiply"
	OpRelu         = "Relu"
	OpMaxPool      = "MaxPool"
	OpReshape      = "Reshape"
	OpSplit        = "Split"
	OpConcat       = "Concat"
	OpGather       = "Gather"
	OpFakeQuantize = "FakeQuantize"
	OpDequantize   = "Dequantize"
	OpDecompressor = "WeightsDecompressor"
)

// IsQuantizable reports whether the operator type takes quantized inputs on
// the integer multiply-accumulate path.
func IsQuantizable(op string) bool {
	switch op {
	case OpMatMul, OpConvolution:
		return true
	default:
		return false
	}
}

// IsInserted reports whether the operator type is one the transformer adds.
// Inserted operators are removed before a graph is transformed again.
func IsInserted(op string) bool {
	switch op {
	case OpFakeQuantize, OpDequantize, OpDecompressor:
		return true
	default:
		return false
	}
}
