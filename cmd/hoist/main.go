// Hoist - Privilege Elevation Engine
// Intercept. Decide. Elevate.
package main

func main() {
	Execute()
}
