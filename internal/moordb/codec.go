package moordb

import "github.com/rdaum/moor-sub011/internal/schema"

// storedRow is the on-disk shape of one relation row: the domain key
// alongside its value, since the page store only indexes tuples by their
// physical TupleId, not by a relation's logical domain key (spec §4.1,
// §6.1). schema.Encode/Decode give it a gob codec; moorvar.Obj and
// moorvar.Var implement GobEncoder/GobDecoder themselves so this works
// even though both hold unexported fields.
type storedRow[D any, C any] struct {
	Key D
	Val C
}

func encodeRow[D comparable, C any](d D, c C) ([]byte, error) {
	return schema.Encode(storedRow[D, C]{Key: d, Val: c})
}

func decodeRow[D comparable, C any](data []byte) (D, C, error) {
	row, err := schema.Decode[storedRow[D, C]](data)
	if err != nil {
		var zd D
		var zc C
		return zd, zc, err
	}
	return row.Key, row.Val, nil
}
