package regs

// Memory map
const (
	CLINTBase uint64 = 0x0200_0000
	CLINTSize uint64 = 0x0001_0000
	PLICBase  uint64 = 0x0c00_0000
	PLICSize  uint64 = 0x0400_0000
	GPIOBase  uint64 = 0x1001_2000
	GPIOSize  uint64 = 0x0000_1000
	UART0Base uint64 = 0x1001_3000
	UART0Size uint64 = 0x0000_1000
)

// CLINT
const (
	CLINTMsip     = Reg(CLINTBase + 0x0000)
	CLINTMtimecmp = Reg(CLINTBase + 0x4000)
	CLINTMtime    = Reg(CLINTBase + 0xbff8)
)

// PLIC. PLICPriority, PLICPending and PLICEnable are register arrays; use At.
const (
	PLICPriority          = Reg(PLICBase + 0x00_0000)
	PLICPending           = Reg(PLICBase + 0x00_1000)
	PLICEnable            = Reg(PLICBase + 0x00_2000)
	PLICPriorityThreshold = Reg(PLICBase + 0x20_0000)
	PLICClaimComplete     = Reg(PLICBase + 0x20_0004)
)

// PLIC source ids wired on the SoC.
const (
	PLICSourceUART0     = 3
	PLICSourceUART1     = 4
	PLICSourceGPIOFirst = 8
)

// GPIO
const (
	GPIOInputVal  = Reg(GPIOBase + 0x00)
	GPIOInputEn   = Reg(GPIOBase + 0x04)
	GPIOOutputEn  = Reg(GPIOBase + 0x08)
	GPIOOutputVal = Reg(GPIOBase + 0x0c)
	GPIOPue       = Reg(GPIOBase + 0x10)
	GPIODs        = Reg(GPIOBase + 0x14)
	GPIORiseIE    = Reg(GPIOBase + 0x18)
	GPIORiseIP    = Reg(GPIOBase + 0x1c)
	GPIOFallIE    = Reg(GPIOBase + 0x20)
	GPIOFallIP    = Reg(GPIOBase + 0x24)
	GPIOHighIE    = Reg(GPIOBase + 0x28)
	GPIOHighIP    = Reg(GPIOBase + 0x2c)
	GPIOLowIE     = Reg(GPIOBase + 0x30)
	GPIOLowIP     = Reg(GPIOBase + 0x34)
	GPIOIOFEn     = Reg(GPIOBase + 0x38)
	GPIOIOFSel    = Reg(GPIOBase + 0x3c)
	GPIOOutXor    = Reg(GPIOBase + 0x40)
)

// UART0
const (
	UART0TxData = Reg(UART0Base + 0x00)
	UART0RxData = Reg(UART0Base + 0x04)
	UART0TxCtrl = Reg(UART0Base + 0x08)
	UART0RxCtrl = Reg(UART0Base + 0x0c)
	UART0IE     = Reg(UART0Base + 0x10)
	UART0IP     = Reg(UART0Base + 0x14)
	UART0Div    = Reg(UART0Base + 0x18)
)

// UART bits
const (
	UARTTxFull   uint32 = 1 << 31 // txdata: FIFO full
	UARTRxEmpty  uint32 = 1 << 31 // rxdata: FIFO empty
	UARTTxEnable uint32 = 1 << 0  // txctrl
	UARTRxEnable uint32 = 1 << 0  // rxctrl
	UARTIETxWM   uint32 = 1 << 0  // ie/ip: transmit watermark
	UARTIERxWM   uint32 = 1 << 1  // ie/ip: receive watermark

	UARTCtrlCntShift = 16 // txctrl.txcnt / rxctrl.rxcnt
)

// RTC ticks per second on the always-on domain clock feeding mtime.
const TicksPerSecond = 32768
