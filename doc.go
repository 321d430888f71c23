/*
Package pantrysync documents the pantrysync module.

This module is CLI-first and ships the pantrysync command:

	go install github.com/nuetzliches/pantrysync/cmd/pantrysync@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package pantrysync
