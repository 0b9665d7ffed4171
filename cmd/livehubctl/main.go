// Command livehubctl runs operator tasks against the livehub stores.
package main

func main() {
	Execute()
}
