package broker

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newExecutionID() string {
	id, err := generateTypeID("exec")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("exec-%d", time.Now().UTC().UnixNano())
}
