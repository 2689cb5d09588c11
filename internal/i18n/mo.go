// Package i18n resolves localized message catalogs for grader replies.
//
// Problem bundles may ship GNU gettext catalogs under
// conf/locale/<lang>/LC_MESSAGES/<domain>.mo; lookups fall back to the
// untranslated string, so a missing catalog is never an error.
package i18n

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	moMagicLittle = 0x950412de
	moMagicBig    = 0xde120495
)

// ParseMO reads a compiled gettext catalog and returns its msgid to
// msgstr mapping. Plural entries are keyed by their full NUL-joined
// msgid, which the watcher never emits, so they are effectively ignored.
func ParseMO(r io.Reader) (map[string]string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("op=i18n.ParseMO: %w", err)
	}
	if len(raw) < 28 {
		return nil, fmt.Errorf("op=i18n.ParseMO: file too short")
	}

	var order binary.ByteOrder
	switch binary.LittleEndian.Uint32(raw[0:4]) {
	case moMagicLittle:
		order = binary.LittleEndian
	case moMagicBig:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("op=i18n.ParseMO: bad magic %#x", binary.LittleEndian.Uint32(raw[0:4]))
	}

	count := order.Uint32(raw[8:12])
	origTable := order.Uint32(raw[12:16])
	transTable := order.Uint32(raw[16:20])

	readString := func(table, index uint32) (string, error) {
		entry := table + index*8
		if int(entry)+8 > len(raw) {
			return "", fmt.Errorf("op=i18n.ParseMO: table entry out of bounds")
		}
		length := order.Uint32(raw[entry : entry+4])
		offset := order.Uint32(raw[entry+4 : entry+8])
		if int(offset)+int(length) > len(raw) {
			return "", fmt.Errorf("op=i18n.ParseMO: string out of bounds")
		}
		return string(raw[offset : offset+length]), nil
	}

	catalog := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		msgid, err := readString(origTable, i)
		if err != nil {
			return nil, err
		}
		msgstr, err := readString(transTable, i)
		if err != nil {
			return nil, err
		}
		// The empty msgid holds catalog metadata.
		if msgid == "" {
			continue
		}
		catalog[msgid] = msgstr
	}
	return catalog, nil
}
