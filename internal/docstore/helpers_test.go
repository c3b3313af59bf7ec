package docstore

import "github.com/fsnotify/fsnotify"

func fsEvent(name, op string) fsnotify.Event {
	ev := fsnotify.Event{Name: name}
	switch op {
	case "create":
		ev.Op = fsnotify.Create
	case "write":
		ev.Op = fsnotify.Write
	case "remove":
		ev.Op = fsnotify.Remove
	}
	return ev
}
