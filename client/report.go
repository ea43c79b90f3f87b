package client

import "github.com/mms61850/stack/mms"

// ReportSink receives unsolicited MMS InformationReports. The reader task
// invokes OnReport sequentially, one report at a time; a slow sink applies
// backpressure to the reader and therefore delays correlation of any
// concurrently in-flight request.
type ReportSink interface {
	OnReport(report *mms.InformationReport)
}

// ReportSinkFunc adapts a plain function to ReportSink.
type ReportSinkFunc func(report *mms.InformationReport)

func (f ReportSinkFunc) OnReport(report *mms.InformationReport) { f(report) }

// discardReportSink is used when a Config carries no ReportSink, so the
// reader never needs to nil-check before dispatching.
type discardReportSink struct{}

func (discardReportSink) OnReport(*mms.InformationReport) {}
