package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
)

// NullString is sql.NullString with JSON marshaling as a bare string or
// null, instead of the {"String":"...","Valid":true} shape sql.NullString
// produces by default — every row type in this package embeds optional
// text columns and is serialized straight to the management API's JSON
// responses, so the wire shape matters here.
type NullString sql.NullString

func (n NullString) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.String)
}

func (n *NullString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		n.String, n.Valid = "", false
		return nil
	}
	if err := json.Unmarshal(data, &n.String); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

func (n *NullString) Scan(value any) error {
	return (*sql.NullString)(n).Scan(value)
}

func (n NullString) Value() (driver.Value, error) {
	return sql.NullString(n).Value()
}
