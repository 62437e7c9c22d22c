package users

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Columns lists the field order used by EncodeRecord. No header row is written.
var Columns = []string{"first_name", "last_name", "gender", "country", "age", "email"}

// EncodeRecord serialises the user as a single CSV line terminated by a newline.
func EncodeRecord(user domain.TransformedUser) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{
		user.FirstName,
		user.LastName,
		user.Gender,
		user.Country,
		strconv.Itoa(user.Age),
		user.Email,
	}); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
