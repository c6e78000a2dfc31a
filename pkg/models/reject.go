package models

import "fmt"

// Reject describes why one record's write did not apply
type Reject struct {
	Message  string `json:"message"`
	SQLState string `json:"sql_state,omitempty"`
	Code     int    `json:"code,omitempty"`
	Record   Record `json:"-"`
}

func (r Reject) Error() string {
	if r.SQLState != "" {
		return fmt.Sprintf("%s (sqlstate=%s, code=%d)", r.Message, r.SQLState, r.Code)
	}
	return r.Message
}
