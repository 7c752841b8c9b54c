/*
Package toolhorn documents the Toolhorn module.

This module is CLI-first and ships the toolhorn command:

	go install github.com/nuetzliches/toolhorn/cmd/toolhorn@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package toolhorn
