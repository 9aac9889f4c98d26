package repository

import "errors"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrReportNotFound      = errors.New("security report not found")
)
