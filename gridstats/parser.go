// Package gridstats parses the status reports of a Grid Engine queue master
// (qhost, qstat and qacct output) into typed records and load metrics.
package gridstats

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"time"
)

// Parser parses status documents. The zero value interprets timestamps, which
// Grid Engine prints without a time zone, as UTC.
type Parser struct {
	Location *time.Location
}

var defaultParser Parser

func (p Parser) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// decodeElements calls decode for every element named name found anywhere in doc.
func decodeElements(doc []byte, name string, decode func(*xml.Decoder, *xml.StartElement) error) error {
	decoder := xml.NewDecoder(bytes.NewReader(doc))
	seenRoot := false
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			if !seenRoot {
				return errors.New("document has no root element")
			}
			return nil
		}
		if err != nil {
			return err
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		seenRoot = true
		if start.Name.Local == name {
			if err := decode(decoder, &start); err != nil {
				return err
			}
		}
	}
}
