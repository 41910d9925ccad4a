package fifo

import "testing"

func TestFifoWrite(t *testing.T) {
	f := NewFifo(100)
	res := f.Write([]byte{1, 2, 3, 4, 5})
	if res != 5 {
		t.Errorf("written only %v", res)
	}
	if f.writePos != 5 {
		t.Errorf("write position is %v", f.writePos)
	}
	if f.readPos != 0 {
		t.Error()
	}
	res = f.Write(make([]byte, 500))
	if res != 94 {
		t.Errorf("wrote %v", res)
	}
	res = f.Write([]byte{1})
	if res != 0 {
		t.Error()
	}
	// Free up some space by reading then re writing
	f.Read(make([]byte, 10))
	res = f.Write(make([]byte, 10))
	if res != 10 {
		t.Error()
	}
}

func TestFifoRead(t *testing.T) {
	f := NewFifo(100)
	receiveBuffer := make([]byte, 10)
	res := f.Read(receiveBuffer)
	if res != 0 {
		t.Error()
	}
	res = f.Write([]byte{1, 2, 3, 4})
	if res != 4 || f.writePos != 4 {
		t.Error()
	}
	res = f.Read(receiveBuffer)
	if res != 4 {
		t.Errorf("res is %v", res)
	}
}

func TestFifoGetSpaceAndOccupied(t *testing.T) {
	f := NewFifo(8)
	if f.GetSpace() != 7 {
		t.Errorf("space is %v", f.GetSpace())
	}
	f.Write([]byte{1, 2, 3})
	if f.GetOccupied() != 3 {
		t.Errorf("occupied is %v", f.GetOccupied())
	}
	if f.GetSpace() != 4 {
		t.Errorf("space is %v", f.GetSpace())
	}
}

func TestFifoReset(t *testing.T) {
	f := NewFifo(8)
	f.Write([]byte{1, 2, 3})
	f.Reset()
	if f.GetOccupied() != 0 {
		t.Error()
	}
}
