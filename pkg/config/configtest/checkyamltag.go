package configtest

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

const modulePath = "github.com/livekit/livekit-session"

type tagChecker struct {
	seen map[reflect.Type]struct{}
	errs error
}

func (c *tagChecker) check(t reflect.Type) {
	if _, ok := c.seen[t]; ok {
		return
	}
	c.seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		c.check(t.Elem())

	case reflect.Struct:
		if !strings.HasPrefix(t.PkgPath(), modulePath) {
			// embedded configs of dependencies follow their own conventions
			return
		}

		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Type.Kind() == reflect.Bool {
				continue
			}
			if field.Tag.Get("config") == "allowempty" {
				continue
			}

			parts := strings.Split(field.Tag.Get("yaml"), ",")
			if parts[0] == "-" {
				continue
			}
			if !slices.Contains(parts, "omitempty") && !slices.Contains(parts, "inline") {
				c.errs = multierr.Append(c.errs, fmt.Errorf("%s/%s.%s missing omitempty tag", t.PkgPath(), t.Name(), field.Name))
			}
			c.check(field.Type)
		}
	}
}

// CheckYAMLTags reports non boolean config fields that would be written out even when empty.
func CheckYAMLTags(config any) error {
	c := &tagChecker{seen: map[reflect.Type]struct{}{}}
	c.check(reflect.TypeOf(config))
	return c.errs
}
