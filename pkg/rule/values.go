package rule

import "fmt"

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func toInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

func equalValues(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && sameKind(a, b)
}

func sameKind(a, b interface{}) bool {
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	case nil:
		return b == nil
	default:
		return true
	}
}

func arith(op BinaryOp, l, r interface{}) (interface{}, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		if op == OpAdd {
			ls, lsok := l.(string)
			rs, rsok := r.(string)
			if lsok && rsok {
				return ls + rs, nil
			}
		}
		return nil, fmt.Errorf("rule: arithmetic requires numbers, got %T and %T", l, r)
	}

	li, liok := toInt(l)
	ri, riok := toInt(r)
	bothInt := liok && riok && float64(li) == lf && float64(ri) == rf

	switch op {
	case OpAdd:
		if bothInt {
			return li + ri, nil
		}
		return lf + rf, nil
	case OpSub:
		if bothInt {
			return li - ri, nil
		}
		return lf - rf, nil
	case OpMul:
		if bothInt {
			return li * ri, nil
		}
		return lf * rf, nil
	case OpDiv:
		if rf == 0 {
			return nil, fmt.Errorf("rule: division by zero")
		}
		return lf / rf, nil
	case OpMod:
		if !bothInt || ri == 0 {
			return nil, fmt.Errorf("rule: modulo requires nonzero integers")
		}
		return li % ri, nil
	default:
		return nil, fmt.Errorf("rule: unknown arithmetic operator %q", op)
	}
}

func compare(op BinaryOp, l, r interface{}) (interface{}, error) {
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			switch op {
			case OpLt:
				return ls < rs, nil
			case OpLe:
				return ls <= rs, nil
			case OpGt:
				return ls > rs, nil
			case OpGe:
				return ls >= rs, nil
			}
		}
	}

	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, fmt.Errorf("rule: comparison requires numbers or strings, got %T and %T", l, r)
	}
	switch op {
	case OpLt:
		return lf < rf, nil
	case OpLe:
		return lf <= rf, nil
	case OpGt:
		return lf > rf, nil
	case OpGe:
		return lf >= rf, nil
	default:
		return nil, fmt.Errorf("rule: unknown comparison operator %q", op)
	}
}
