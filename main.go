// main.go
package main

import (
	"fmt"

	"github.com/voyager418/mountain-seeker-sub000/cmd"
)

const banner = `
  __  __                  _        _        ___          _
 |  \/  |___ _  _ _ _  __| |_ __ _(_)_ _   / __| ___ ___| |_____ _ _
 | |\/| / _ \ || | ' \|  _/ _' | | ' \    \__ \/ -_) -_) / / -_) '_|
 |_|  |_\___/\_,_|_||_|\__\__,_|_|_||_|   |___/\___\___|_\_\___|_|

[]=========================================================================[]
`

func main() {
	fmt.Print(banner)
	cmd.Execute()
}
