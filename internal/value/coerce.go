package value

import "math/big"

// lattice rank: signed widen to wider signed, unsigned widen to wider
// unsigned, any integer widens to Real then LReal (spec §3.1).
var rank = map[Kind]int{
	KindSInt: 1, KindInt: 2, KindDInt: 3, KindLInt: 4,
	KindUSInt: 1, KindUInt: 2, KindUDInt: 3, KindULInt: 4,
	KindByte: 1, KindWord: 2, KindDWord: 3, KindLWord: 4,
	KindReal: 10, KindLReal: 11,
}

func isSigned(k Kind) bool {
	switch k {
	case KindSInt, KindInt, KindDInt, KindLInt:
		return true
	default:
		return false
	}
}

func isUnsignedOrBits(k Kind) bool {
	switch k {
	case KindUSInt, KindUInt, KindUDInt, KindULInt, KindByte, KindWord, KindDWord, KindLWord:
		return true
	default:
		return false
	}
}

func isFloat(k Kind) bool {
	return k == KindReal || k == KindLReal
}

// Join computes the widened kind two numeric operands coerce to before a
// binary operation (spec §3.1: "Binary arithmetic widens both operands to
// the join").
func Join(a, b Kind) Kind {
	if a == b {
		return a
	}
	if isFloat(a) || isFloat(b) {
		if a == KindLReal || b == KindLReal {
			return KindLReal
		}
		return KindReal
	}
	if isSigned(a) && isSigned(b) {
		return maxRank(a, b)
	}
	if isUnsignedOrBits(a) && isUnsignedOrBits(b) {
		return maxRank(a, b)
	}
	// mixed signed/unsigned integer: widen to the wider signed kind that
	// can represent both, per the "signed -> wider signed" lattice leg.
	if isSigned(a) {
		return widestSigned(a, b)
	}
	return widestSigned(b, a)
}

func maxRank(a, b Kind) Kind {
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

func widestSigned(signed, other Kind) Kind {
	if rank[other] >= rank[signed] {
		switch other {
		case KindByte, KindUSInt:
			return KindInt
		case KindWord, KindUInt:
			return KindDInt
		case KindDWord, KindUDInt:
			return KindLInt
		default:
			return KindLInt
		}
	}
	return signed
}

// Coerce converts v to the target numeric kind following the lattice.
// Mixed time/integer multiplication widens through int128 internally to
// avoid overflow before narrowing back to int64 nanoseconds (spec §3.1);
// MulWideningI128 below implements that narrow path.
func Coerce(v Value, to Kind) (Value, error) {
	if v.Kind == to {
		return v, nil
	}
	switch {
	case isFloat(to):
		f := ToFloat(v)
		return Value{Kind: to, Real: f}, nil
	case isSigned(to):
		i, err := ToInt64(v)
		if err != nil {
			return Null, err
		}
		return Value{Kind: to, Int: i}, nil
	case isUnsignedOrBits(to):
		u, err := ToUint64(v)
		if err != nil {
			return Null, err
		}
		return Value{Kind: to, UInt: u}, nil
	default:
		return v, nil
	}
}

// ToFloat extracts a float64 view of any numeric Value.
func ToFloat(v Value) float64 {
	switch {
	case isFloat(v.Kind):
		return v.Real
	case isSigned(v.Kind) || v.Kind == KindTime || v.Kind == KindLTime:
		return float64(v.Int)
	default:
		return float64(v.UInt)
	}
}

// ToInt64 extracts an int64 view of a numeric Value.
func ToInt64(v Value) (int64, error) {
	switch {
	case isSigned(v.Kind) || v.Kind == KindTime || v.Kind == KindLTime:
		return v.Int, nil
	case isUnsignedOrBits(v.Kind):
		return int64(v.UInt), nil
	case isFloat(v.Kind):
		return int64(v.Real), nil
	default:
		return 0, errTypeMismatch("ToInt64", v.Kind)
	}
}

// ToUint64 extracts a uint64 view of a numeric Value.
func ToUint64(v Value) (uint64, error) {
	switch {
	case isUnsignedOrBits(v.Kind):
		return v.UInt, nil
	case isSigned(v.Kind):
		return uint64(v.Int), nil
	case isFloat(v.Kind):
		return uint64(v.Real), nil
	default:
		return 0, errTypeMismatch("ToUint64", v.Kind)
	}
}

func errTypeMismatch(op string, k Kind) error {
	return &CoerceError{Op: op, Kind: k}
}

// CoerceError reports a numeric coercion attempted on a non-numeric kind.
type CoerceError struct {
	Op   string
	Kind Kind
}

func (e *CoerceError) Error() string {
	return "value: " + e.Op + " on non-numeric kind"
}

// MulWideningI128 multiplies two int64 operands through math/big (standing
// in for the i128 intermediate the spec requires for time*integer
// multiplication) and narrows back to int64, returning an overflow error if
// the true product does not fit.
func MulWideningI128(a, b int64) (int64, error) {
	prod := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	if !prod.IsInt64() {
		return 0, &OverflowError{Op: "mul"}
	}
	return prod.Int64(), nil
}

// OverflowError reports an arithmetic overflow (spec §7 ErrorKind.Overflow).
type OverflowError struct{ Op string }

func (e *OverflowError) Error() string { return "value: overflow in " + e.Op }
