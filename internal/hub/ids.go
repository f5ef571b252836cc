package hub

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

func newConnID() string {
	id, err := generateTypeID("conn")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("conn-%d", time.Now().UTC().UnixNano())
}
