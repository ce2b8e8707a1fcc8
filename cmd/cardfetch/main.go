package main

import (
	"cardfetch/cmd/cardfetch/commands"
	"cardfetch/lib/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
