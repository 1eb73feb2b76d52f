// Package integrationtests runs complete HCL programs through the app: load,
// engine start, execution, fetch and trace.
package integrationtests
