package cid

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// The same as "github.com/ipfs/go-cid.Cid" except the [UnmarshalJSON] function
// isn't completely ridiculous. Also stored as text in sql columns.
type Cid cid.Cid

var Undef = Cid(cid.Undef)

func (c Cid) MarshalJSON() ([]byte, error) {
	return json.Marshal(cid.Cid(c).String())
}

func (c *Cid) UnmarshalJSON(b []byte) error {
	var s string
	err := json.Unmarshal(b, &s)
	if err != nil {
		return errors.WithStack(err)
	}
	cid, err := cid.Decode(s)
	if err != nil {
		return errors.WithStack(err)
	}
	*c = Cid(cid)
	return nil
}

func (c *Cid) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		// text columns come back as bytes from some drivers
		s = string(v)
	case nil:
		*c = Undef
		return nil
	default:
		return errors.Errorf("cannot scan %T into cid", value)
	}
	parsed, err := cid.Decode(s)
	if err != nil {
		return errors.WithStack(err)
	}
	*c = Cid(parsed)
	return nil
}

func (c Cid) Value() (driver.Value, error) {
	if !c.Defined() {
		return nil, nil
	}
	return c.String(), nil
}

func (c Cid) String() string    { return cid.Cid(c).String() }
func (c Cid) ByteLen() int      { return cid.Cid(c).ByteLen() }
func (c Cid) Defined() bool     { return cid.Cid(c).Defined() }
func (c Cid) Equals(o Cid) bool { return cid.Cid(c).Equals(cid.Cid(o)) }
func (c Cid) Unwrap() cid.Cid   { return cid.Cid(c) }

func Decode(v string) (Cid, error) {
	c, err := cid.Decode(v)
	if err != nil {
		return Undef, errors.WithStack(err)
	}
	return Cid(c), nil
}

func Parse(v any) (Cid, error) {
	c, err := cid.Parse(v)
	if err != nil {
		return Undef, errors.WithStack(err)
	}
	return Cid(c), nil
}
