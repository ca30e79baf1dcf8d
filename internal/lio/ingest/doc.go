// Package ingest turns recorded or live sensor streams into runner input.
//
// ReplayReader decodes the line-oriented replay log:
//
//	imu <t> <gx> <gy> <gz> <ax> <ay> <az>
//	scan <t> <n>
//	<x> <y> <z> <intensity> <offset>   (n lines)
//
// Blank lines and lines starting with '#' are ignored. SerialIMU reads
// "t,gx,gy,gz,ax,ay,az" CSV lines from a serial port.
package ingest
