package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Recover runs f and turns a panic into an error naming the job and the panic site.
func Recover(id string, f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			site := identifyPanic()
			log.WithField("context", "recover").Errorf(`job "%s" panics with message: %v, %s`, id, r, site)
			err = fmt.Errorf("job %s panicked at %s: %v", id, site, r)
		}
	}()
	return f()
}

func identifyPanic() string {
	var name, file string
	var line int
	var pc [16]uintptr

	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			break
		}
	}

	switch {
	case name != "":
		return fmt.Sprintf("%v:%v", name, line)
	case file != "":
		return fmt.Sprintf("%v:%v", file, line)
	}

	return fmt.Sprintf("pc:%x", pc)
}
