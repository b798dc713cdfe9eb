// Package preflight provides readiness checks for the directories and files
// tomato depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll before starting and logs every failure.
//   - The CLI "tomato status" command shows the results next to the daemon
//     state, which works even when no daemon is running.
package preflight
