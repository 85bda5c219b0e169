// Package sender implements delivery.Sender for the outbound mail channels:
// direct SMTP submission, hand-off to a mail relay over AMQP, and a
// log-only sender for development.
package sender
